// internal/models/video.go
package models

import (
	"sort"
	"time"
)

// 素材类型标识，与素材库的布尔开关一一对应
const (
	FootageOnCamera = "onCamera"
	FootageBRoll    = "bRoll"
	FootageDrone    = "drone"
)

// FootageFlags 某个拍摄地点可用的素材类型开关
type FootageFlags struct {
	OnCamera bool `json:"onCamera"`
	BRoll    bool `json:"bRoll"`
	Drone    bool `json:"drone"`
}

// FootageInventory 地点名到可用素材类型的映射，只读消费
type FootageInventory map[string]FootageFlags

// Locations 返回素材库中所有地点名（排序保证确定性）
func (inv FootageInventory) Locations() []string {
	names := make([]string, 0, len(inv))
	for name := range inv {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasLocation 判断地点是否存在于素材库
func (inv FootageInventory) HasLocation(name string) bool {
	_, ok := inv[name]
	return ok
}

// TypesFor 返回某地点实际可用的素材类型列表
func (inv FootageInventory) TypesFor(location string) []string {
	flags, ok := inv[location]
	if !ok {
		return nil
	}
	var types []string
	if flags.OnCamera {
		types = append(types, FootageOnCamera)
	}
	if flags.BRoll {
		types = append(types, FootageBRoll)
	}
	if flags.Drone {
		types = append(types, FootageDrone)
	}
	return types
}

// HasFootageType 判断某地点是否拥有指定素材类型
func (inv FootageInventory) HasFootageType(location, footageType string) bool {
	for _, t := range inv.TypesFor(location) {
		if t == footageType {
			return true
		}
	}
	return false
}

// Video 视频记录：蓝图的归属方，携带素材库
type Video struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Inventory FootageInventory `json:"inventory"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
