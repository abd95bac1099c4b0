// internal/models/video_test.go
package models

import "testing"

func TestFootageInventory_LocationsSorted(t *testing.T) {
	inv := FootageInventory{
		"Zoo":    {OnCamera: true},
		"Bridge": {BRoll: true},
		"Tower":  {Drone: true},
	}

	want := []string{"Bridge", "Tower", "Zoo"}
	got := inv.Locations()
	if len(got) != len(want) {
		t.Fatalf("地点数不符: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("地点应按名称排序: %v", got)
			break
		}
	}
}

func TestFootageInventory_TypesFor(t *testing.T) {
	inv := FootageInventory{
		"Tower":  {OnCamera: true, Drone: true},
		"Market": {},
	}

	types := inv.TypesFor("Tower")
	if len(types) != 2 || types[0] != FootageOnCamera || types[1] != FootageDrone {
		t.Errorf("Tower的素材类型不符: %v", types)
	}
	if len(inv.TypesFor("Market")) != 0 {
		t.Errorf("无开关的地点应返回空列表")
	}
	if inv.TypesFor("Beach") != nil {
		t.Errorf("未知地点应返回nil")
	}
}

func TestFootageInventory_HasFootageType(t *testing.T) {
	inv := FootageInventory{"Tower": {OnCamera: true}}

	if !inv.HasFootageType("Tower", FootageOnCamera) {
		t.Errorf("Tower应有onCamera素材")
	}
	if inv.HasFootageType("Tower", FootageDrone) {
		t.Errorf("Tower不应有drone素材")
	}
	if inv.HasFootageType("Beach", FootageOnCamera) {
		t.Errorf("未知地点不应有任何素材")
	}
	if !inv.HasLocation("Tower") || inv.HasLocation("Beach") {
		t.Errorf("地点存在性判断不符")
	}
}
