// Agent memory stream: a bounded log of notable experiences fed back into
// prompts. The oldest entry is evicted once MaxMemories is reached.
package agents

// Memory kinds.
const (
	MemoryConsume = "consume"
	MemoryDeath   = "death"
	MemoryReceive = "receive"
	MemoryTrade   = "trade"
	MemoryThought = "thought"
)

// Memory records a notable experience.
type Memory struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// Remember appends a memory.
func (a *Agent) Remember(kind, content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory.Push(Memory{Kind: kind, Content: content})
}

// Memories returns the full memory ring, oldest first.
func (a *Agent) Memories() []Memory {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memory.Items()
}

// RecentMemories returns the newest count memories, oldest first.
func (a *Agent) RecentMemories(count int) []Memory {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memory.Last(count)
}
