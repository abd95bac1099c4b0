// internal/storage/file_storage_test.go
package storage

import (
	"os"
	"path/filepath"
	"testing"
)

type testDoc struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func newTestStorage(t *testing.T) *FileStorage {
	t.Helper()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("初始化存储失败: %v", err)
	}
	return fs
}

func TestSaveAndLoadJSON(t *testing.T) {
	fs := newTestStorage(t)

	saved := testDoc{ID: "v1", Title: "测试文档"}
	if err := fs.SaveJSON("blueprints", "v1.json", saved); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	var loaded testDoc
	if err := fs.LoadJSON("blueprints", "v1.json", &loaded); err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if loaded != saved {
		t.Errorf("读取结果不符: %+v", loaded)
	}
}

func TestSaveRaw_LeavesNoTempFile(t *testing.T) {
	fs := newTestStorage(t)

	if err := fs.SaveRaw("docs", "a.json", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	// 临时文件在重命名后必须消失
	entries, err := os.ReadDir(filepath.Join(fs.BaseDir, "docs"))
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Errorf("遗留临时文件: %s", entry.Name())
		}
	}
}

func TestSaveJSON_OverwriteInvalidatesCache(t *testing.T) {
	fs := newTestStorage(t)

	if err := fs.SaveJSON("docs", "a.json", testDoc{ID: "v1", Title: "初版"}); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	// 先读一次让内容进缓存
	var first testDoc
	if err := fs.LoadJSON("docs", "a.json", &first); err != nil {
		t.Fatalf("读取失败: %v", err)
	}

	// 覆盖写入后必须读到新内容而非缓存
	if err := fs.SaveJSON("docs", "a.json", testDoc{ID: "v1", Title: "改版"}); err != nil {
		t.Fatalf("覆盖保存失败: %v", err)
	}
	var second testDoc
	if err := fs.LoadJSON("docs", "a.json", &second); err != nil {
		t.Fatalf("二次读取失败: %v", err)
	}
	if second.Title != "改版" {
		t.Errorf("覆盖后读到过期内容: %q", second.Title)
	}
}

func TestFileExistsAndDelete(t *testing.T) {
	fs := newTestStorage(t)

	if fs.FileExists("docs", "a.json") {
		t.Errorf("不存在的文档不应报告存在")
	}

	if err := fs.SaveRaw("docs", "a.json", []byte("{}")); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if !fs.FileExists("docs", "a.json") {
		t.Errorf("已保存的文档应报告存在")
	}

	if err := fs.DeleteFile("docs", "a.json"); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if fs.FileExists("docs", "a.json") {
		t.Errorf("已删除的文档不应报告存在")
	}

	// 重复删除报错
	if err := fs.DeleteFile("docs", "a.json"); err == nil {
		t.Errorf("删除不存在的文档应报错")
	}
}

func TestListFiles_SortedAndMissingDirIsEmpty(t *testing.T) {
	fs := newTestStorage(t)

	// 不存在的集合视为空
	files, err := fs.ListFiles("nothing")
	if err != nil {
		t.Fatalf("列举空集合失败: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("空集合应返回空列表: %v", files)
	}

	for _, name := range []string{"b.json", "a.json", "c.json"} {
		if err := fs.SaveRaw("docs", name, []byte("{}")); err != nil {
			t.Fatalf("保存失败: %v", err)
		}
	}

	files, err = fs.ListFiles("docs")
	if err != nil {
		t.Fatalf("列举失败: %v", err)
	}
	want := []string{"a.json", "b.json", "c.json"}
	if len(files) != len(want) {
		t.Fatalf("文档数不符: %v", files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("文档应按名称排序: %v", files)
			break
		}
	}
}

func TestLoadRaw_MissingFileErrors(t *testing.T) {
	fs := newTestStorage(t)

	if _, err := fs.LoadRaw("docs", "missing.json"); err == nil {
		t.Errorf("读取不存在的文档应报错")
	}
}

func TestSweepCache_RemovesExpiredEntries(t *testing.T) {
	fs := newTestStorage(t)
	fs.cacheExpiry = 0 // 全部条目立即过期

	if err := fs.SaveRaw("docs", "a.json", []byte("{}")); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if _, err := fs.LoadRaw("docs", "a.json"); err != nil {
		t.Fatalf("读取失败: %v", err)
	}

	if removed := fs.SweepCache(); removed != 1 {
		t.Errorf("过期条目应被清理, 实际清理 %d", removed)
	}
	if removed := fs.SweepCache(); removed != 0 {
		t.Errorf("二次清理不应有条目, 实际清理 %d", removed)
	}
}
