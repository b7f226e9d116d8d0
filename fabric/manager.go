// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"log/slog"
	"sync"
)

// StreamManager é o registro dos streams ativos, chaveado pelo peer id.
// Lookups são quentes (todo envio consulta o caminho direto), registros são
// raros: RWMutex.
type StreamManager struct {
	logger *slog.Logger

	mu     sync.RWMutex
	system Stream
	peers  map[string]Stream
}

// NewStreamManager cria um registro vazio.
func NewStreamManager(logger *slog.Logger) *StreamManager {
	return &StreamManager{
		logger: logger.With("component", "stream_manager"),
		peers:  make(map[string]Stream),
	}
}

// Get resolve o stream de envio para um peer: o stream direto quando existe
// e está disponível, senão o stream do proxy. Streams diretos em estado
// Abnormal são parados e removidos no caminho.
func (m *StreamManager) Get(instanceID string) Stream {
	var needStop Stream
	var intf Stream
	m.mu.RLock()
	peer, ok := m.peers[instanceID]
	if !ok {
		intf = m.system
	} else {
		intf = peer
		if !peer.Available() {
			intf = m.system
		}
		if peer.Abnormal() {
			needStop = peer
			intf = m.system
		}
	}
	m.mu.RUnlock()
	if needStop != nil {
		needStop.Stop()
		m.mu.Lock()
		if m.peers[instanceID] == needStop {
			delete(m.peers, instanceID)
		}
		m.mu.Unlock()
	}
	return intf
}

// TryGet devolve o stream direto do peer, ou nil se não existe.
func (m *StreamManager) TryGet(instanceID string) Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[instanceID]
}

// Emplace registra um stream direto. Recusa quando já existe um stream
// disponível para o mesmo peer; um registro antigo indisponível é parado e
// substituído.
func (m *StreamManager) Emplace(instanceID string, intf Stream) bool {
	var needStop Stream
	m.mu.Lock()
	if old, ok := m.peers[instanceID]; ok {
		if old.Available() {
			m.mu.Unlock()
			m.logger.Error("duplicated stream reader/writer", "peer", instanceID)
			return false
		}
		needStop = old
	}
	m.peers[instanceID] = intf
	m.mu.Unlock()
	if needStop != nil {
		needStop.Stop()
	}
	return true
}

// Remove descarta e para o stream direto do peer, se houver.
func (m *StreamManager) Remove(instanceID string) {
	var needStop Stream
	m.mu.Lock()
	if old, ok := m.peers[instanceID]; ok {
		needStop = old
	}
	delete(m.peers, instanceID)
	m.mu.Unlock()
	if needStop != nil {
		needStop.Stop()
	}
}

// Clear para e descarta todos os streams, incluindo o do proxy.
func (m *StreamManager) Clear() {
	var needStop []Stream
	m.mu.Lock()
	if m.system != nil {
		needStop = append(needStop, m.system)
		m.system = nil
	}
	for _, intf := range m.peers {
		needStop = append(needStop, intf)
	}
	m.peers = make(map[string]Stream)
	m.mu.Unlock()
	for _, intf := range needStop {
		intf.Stop()
	}
}

// UpdateSystem instala o stream do proxy, parando o anterior se existia.
func (m *StreamManager) UpdateSystem(intf Stream) {
	var needStop Stream
	m.mu.Lock()
	if m.system != nil {
		needStop = m.system
	}
	m.system = intf
	m.mu.Unlock()
	if needStop != nil {
		needStop.Stop()
	}
}

// System devolve o stream do proxy, ou nil antes do primeiro attach.
func (m *StreamManager) System() Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system
}
