package conversation

import "sync"

// DefaultWindowSize is the number of turns kept when no size is configured
const DefaultWindowSize = 10

// Window is a bounded, ordered history of turns. When full, appending evicts
// the oldest turn.
type Window struct {
	mu    sync.Mutex
	turns []Turn
	size  int
}

// NewWindow creates a window holding at most size turns
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{
		turns: make([]Turn, 0, size),
		size:  size,
	}
}

// Append pushes a turn, evicting the oldest one if the window is full
func (w *Window) Append(role Role, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.push(Turn{Role: role, Content: content})
}

// AppendPair records a question and its answer together
func (w *Window) AppendPair(question, answer string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.push(Turn{Role: RoleUser, Content: question})
	w.push(Turn{Role: RoleAssistant, Content: answer})
}

func (w *Window) push(t Turn) {
	if len(w.turns) == w.size {
		copy(w.turns, w.turns[1:])
		w.turns = w.turns[:w.size-1]
	}
	w.turns = append(w.turns, t)
}

// Clear empties the window
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = w.turns[:0]
}

// Turns returns a copy of the current history, oldest first
func (w *Window) Turns() []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// Len returns the number of stored turns
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.turns)
}

// Cap returns the window capacity
func (w *Window) Cap() int {
	return w.size
}

// BuildPrompt assembles the messages for one request: the persona's system
// prompt, the history, then the new question. It does not touch the window.
func BuildPrompt(p Persona, history []Turn, question string) []Turn {
	messages := make([]Turn, 0, len(history)+2)
	messages = append(messages, Turn{Role: RoleSystem, Content: p.SystemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Turn{Role: RoleUser, Content: question})
	return messages
}
