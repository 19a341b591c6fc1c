package taxonomy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	tax, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	if tax.TopicCount() == 0 {
		t.Fatal("default taxonomy has no topics")
	}
	if got := len(tax.Topics()); got != tax.TopicCount() {
		t.Errorf("Topics() = %d, TopicCount() = %d", got, tax.TopicCount())
	}
	if !tax.Has("1") {
		t.Error("expected topic 1 in default taxonomy")
	}
}

func TestParse_DuplicateTopicID(t *testing.T) {
	doc := `
groups:
  - id: g
    title: G
    subjects:
      - id: a
        title: A
        topics: [{id: "1", title: X}]
      - id: b
        title: B
        topics: [{id: "1", title: Y}]
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Error("expected error for duplicate topic id")
	}
}

func TestParse_MissingID(t *testing.T) {
	doc := `
groups:
  - title: G
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Error("expected error for group without id")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tax.yaml")
	doc := `
groups:
  - id: g
    title: G
    subjects:
      - id: s
        title: S
        topics:
          - {id: "t1", title: One}
          - {id: "t2", title: Two}
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}
	tax, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	topics := tax.Topics()
	if len(topics) != 2 || topics[0].ID != "t1" || topics[1].Title != "Two" {
		t.Errorf("unexpected topics: %+v", topics)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/tax.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
