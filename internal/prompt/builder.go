package prompt

import (
	"sort"
	"strings"
)

type Block struct {
	ID       string
	Priority int
	Content  string
}

// Builder assembles prompt blocks, highest priority first.
type Builder struct {
	blocks    []Block
	separator string
}

func NewBuilder() *Builder {
	return &Builder{separator: "\n\n"}
}

func (b *Builder) WithSeparator(sep string) *Builder {
	b.separator = sep
	return b
}

func (b *Builder) Add(block Block) {
	if strings.TrimSpace(block.Content) == "" {
		return
	}
	b.blocks = append(b.blocks, block)
}

func (b *Builder) Build() string {
	if len(b.blocks) == 0 {
		return ""
	}
	blocks := make([]Block, len(b.blocks))
	copy(blocks, b.blocks)
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Priority == blocks[j].Priority {
			return blocks[i].ID < blocks[j].ID
		}
		return blocks[i].Priority > blocks[j].Priority
	})

	parts := make([]string, len(blocks))
	for i, block := range blocks {
		parts[i] = block.Content
	}
	return strings.Join(parts, b.separator)
}
