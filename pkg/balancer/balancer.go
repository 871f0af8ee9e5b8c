package balancer

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/hewenyu/swarm-mesh/pkg/model"
)

// PickContext 携带一次选择决策所需的调用方信息
type PickContext struct {
	ClientIP string // ip-hash策略使用的客户端IP
}

// LoadBalancer 在候选实例集合中按配置的策略选择一个实例，
// 并维护每个实例的在途连接计数。
type LoadBalancer struct {
	mu          sync.Mutex
	strategy    Strategy
	counter     uint64         // 轮询计数器，跨候选集合单调递增
	connections map[string]int // 实例ID -> 在途连接数
	rnd         *rand.Rand
}

// NewLoadBalancer 创建一个使用指定策略的负载均衡器
func NewLoadBalancer(strategy Strategy) *LoadBalancer {
	return &LoadBalancer{
		strategy:    strategy,
		connections: make(map[string]int),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Strategy 返回当前策略
func (b *LoadBalancer) Strategy() Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy
}

// SetStrategy 切换负载均衡策略，未知名称返回ErrInvalidStrategy
func (b *LoadBalancer) SetStrategy(name string) error {
	strategy, err := ParseStrategy(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.strategy = strategy
	return nil
}

// SelectInstance 从候选实例中选择一个，空集合返回nil，单个候选直接返回
func (b *LoadBalancer) SelectInstance(instances []*model.ServiceRegistration, pctx *PickContext) *model.ServiceRegistration {
	if len(instances) == 0 {
		return nil
	}
	if len(instances) == 1 {
		return instances[0]
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.strategy {
	case StrategyRoundRobin:
		return b.pickRoundRobin(instances)
	case StrategyLeastConnections:
		return b.pickLeastConnections(instances)
	case StrategyWeighted:
		return b.pickWeighted(instances)
	case StrategyIPHash:
		return b.pickIPHash(instances, pctx)
	default:
		return b.pickRandom(instances)
	}
}

// RecordConnection 增加实例的在途连接计数
func (b *LoadBalancer) RecordConnection(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections[id]++
}

// ReleaseConnection 减少实例的在途连接计数，不会低于0
func (b *LoadBalancer) ReleaseConnection(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connections[id] > 0 {
		b.connections[id]--
	}
}

// ConnectionCount 返回实例当前的在途连接计数，未知实例计为0
func (b *LoadBalancer) ConnectionCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connections[id]
}

// pickRoundRobin 轮询选择，计数器在每次调用后递增
func (b *LoadBalancer) pickRoundRobin(instances []*model.ServiceRegistration) *model.ServiceRegistration {
	selected := instances[b.counter%uint64(len(instances))]
	b.counter++
	return selected
}

// pickLeastConnections 选择在途连接最少的实例，相同取先出现者
func (b *LoadBalancer) pickLeastConnections(instances []*model.ServiceRegistration) *model.ServiceRegistration {
	selected := instances[0]
	minConns := b.connections[selected.ID]
	for _, instance := range instances[1:] {
		if conns := b.connections[instance.ID]; conns < minConns {
			selected = instance
			minConns = conns
		}
	}
	return selected
}

// pickWeighted 按权重随机选择，权重从Metadata["weight"]读取，缺省为1
func (b *LoadBalancer) pickWeighted(instances []*model.ServiceRegistration) *model.ServiceRegistration {
	total := 0
	for _, instance := range instances {
		total += instanceWeight(instance)
	}

	draw := b.rnd.Intn(total)
	for _, instance := range instances {
		draw -= instanceWeight(instance)
		if draw < 0 {
			return instance
		}
	}
	return instances[len(instances)-1]
}

// pickRandom 均匀随机选择
func (b *LoadBalancer) pickRandom(instances []*model.ServiceRegistration) *model.ServiceRegistration {
	return instances[b.rnd.Intn(len(instances))]
}

// pickIPHash 按客户端IP哈希选择，没有客户端IP时退化为随机选择
func (b *LoadBalancer) pickIPHash(instances []*model.ServiceRegistration, pctx *PickContext) *model.ServiceRegistration {
	if pctx == nil || pctx.ClientIP == "" {
		return b.pickRandom(instances)
	}

	// 滚动哈希，截断为有符号32位
	var hash int32
	for _, c := range pctx.ClientIP {
		hash = hash*31 + int32(c)
	}

	index := int(hash)
	if index < 0 {
		index = -index
	}
	return instances[index%len(instances)]
}

// instanceWeight 解析实例权重，缺失或非法时按1处理
func instanceWeight(instance *model.ServiceRegistration) int {
	raw, ok := instance.Metadata["weight"]
	if !ok {
		return 1
	}
	weight, err := strconv.Atoi(raw)
	if err != nil || weight <= 0 {
		return 1
	}
	return weight
}
