package state

import (
	"context"
	"sync"

	"github.com/Freeeeeet/gym_trial_bot/internal/model"
)

// Manager хранит состояния диалогов в памяти процесса
type Manager struct {
	mu     sync.RWMutex
	states map[string]*model.ConversationState // conversationID -> состояние
}

// NewManager создаёт новый менеджер состояний
func NewManager() *Manager {
	return &Manager{
		states: make(map[string]*model.ConversationState),
	}
}

// Get получает состояние диалога, nil если его нет
func (sm *Manager) Get(ctx context.Context, conversationID string) (*model.ConversationState, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if st, exists := sm.states[conversationID]; exists {
		// Возвращаем копию, чтобы избежать race condition
		return st.Clone(), nil
	}
	return nil, nil
}

// Save сохраняет состояние диалога
func (sm *Manager) Save(ctx context.Context, st *model.ConversationState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.states[st.ConversationID] = st.Clone()
	return nil
}

// Delete удаляет состояние диалога
func (sm *Manager) Delete(ctx context.Context, conversationID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.states, conversationID)
	return nil
}

// List возвращает копии всех состояний
func (sm *Manager) List(ctx context.Context) ([]*model.ConversationState, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]*model.ConversationState, 0, len(sm.states))
	for _, st := range sm.states {
		out = append(out, st.Clone())
	}
	return out, nil
}
