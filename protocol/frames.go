// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário N-Fabric para comunicação
// entre workers e o function-proxy (e entre workers, no caminho direto)
// sobre TCP+TLS.
package protocol

import "errors"

// Magic bytes para identificação de frames.
var (
	MagicHandshake = [4]byte{'N', 'F', 'A', 'B'}
	MagicMessage   = [4]byte{'N', 'M', 'S', 'G'}
	MagicBatch     = [4]byte{'N', 'B', 'A', 'T'}
	MagicDiscover  = [4]byte{'D', 'S', 'C', 'V'}
)

// ProtocolVersion é a versão atual do protocolo.
const ProtocolVersion byte = 0x01

// FunctionProxy é o peer id reservado do broker central. Qualquer outro
// valor identifica um worker alcançável diretamente.
const FunctionProxy = "function-proxy"

// Role do stream, declarado no handshake (Client → Server).
const (
	RoleProxy  byte = 0x00 // stream origina do function-proxy (source_id vazio)
	RoleDirect byte = 0x01 // stream direto entre workers
)

// Flags do handshake (bitmask).
const (
	FlagBatched byte = 0x01 // frames em lote (NBAT)
	FlagZstd    byte = 0x02 // payload do lote comprimido com zstd
)

// Status codes do HandshakeACK (Server → Client).
const (
	HSStatusOK              byte = 0x00 // stream aceito
	HSStatusInvalidArgument byte = 0x01 // dst_id não confere com a instância local
	HSStatusUnauthenticated byte = 0x02 // credenciais rejeitadas
	HSStatusAlreadyExists   byte = 0x03 // já existe stream ativo deste peer
	HSStatusUnavailable     byte = 0x04 // serviço em shutdown
)

// Compression modes do frame em lote.
const (
	CompressionNone byte = 0x00
	CompressionZstd byte = 0x01 // zstd (klauspost/compress)
)

// Erros do protocolo.
var (
	ErrInvalidMagic    = errors.New("protocol: invalid magic bytes")
	ErrInvalidVersion  = errors.New("protocol: unsupported protocol version")
	ErrUnknownKind     = errors.New("protocol: unknown message kind")
	ErrMessageTooLarge = errors.New("protocol: message exceeds size limit")
	ErrTruncatedFrame  = errors.New("protocol: truncated frame")
)

// Handshake abre um stream de mensagens.
// Formato: [Magic "NFAB" 4B] [Version 1B] [Role 1B] [SourceID '\n'] [DstID '\n'] [RuntimeID '\n'] [Flags 1B]
// SourceID vazio com RoleProxy identifica o stream do function-proxy.
type Handshake struct {
	Version   byte
	Role      byte
	SourceID  string
	DstID     string
	RuntimeID string
	Flags     byte
}

// HandshakeACK é a resposta do server ao handshake.
// Formato: [Status 1B] [Message '\n'] [Flags 1B]
// Flags ecoa as capacidades aceitas (subset do que o client pediu).
type HandshakeACK struct {
	Status  byte
	Message string
	Flags   byte
}

// DiscoverRequest é a troca unária de descoberta do driver, feita em uma
// conexão própria de vida curta.
// Formato: [Magic "DSCV" 4B] [Version 1B] [DriverIP '\n'] [DriverPort '\n'] [JobID '\n'] [InstanceID '\n'] [FunctionName '\n']
type DiscoverRequest struct {
	DriverIP     string
	DriverPort   string
	JobID        string
	InstanceID   string
	FunctionName string
}

// DiscoverResponse é a resposta do proxy à descoberta.
// Formato: [Status 1B] [NodeID '\n'] [HostIP '\n'] [ServerVersion '\n']
type DiscoverResponse struct {
	Status        byte
	NodeID        string
	HostIP        string
	ServerVersion string
}
