// internal/di/container.go
// 进程级服务注册表：服务在应用装配阶段一次性注册，
// 路由层按名称取用并自行断言具体类型。不做生命周期管理。
package di

import (
	"sync"
)

// Container 按名称存放已构建的服务实例
type Container struct {
	mutex    sync.RWMutex
	services map[string]interface{}
}

var (
	globalContainer *Container
	once            sync.Once
)

// GetContainer 获取全局注册表实例
func GetContainer() *Container {
	once.Do(func() {
		globalContainer = &Container{
			services: make(map[string]interface{}),
		}
	})
	return globalContainer
}

// Register 注册一个服务实例，同名覆盖
func (c *Container) Register(name string, service interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.services[name] = service
}

// Get 按名称取服务实例，未注册时返回nil
func (c *Container) Get(name string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.services[name]
}
