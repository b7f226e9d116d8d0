// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// batchOverhead é a folga permitida sobre o teto para o envelope dos frames
// dentro de um lote (magic, version, kind, message ids, lengths).
const batchOverhead = 64 * 1024

// Reader decodifica frames do protocolo de um io.Reader, aplicando o teto
// de tamanho em cada corpo lido. Não é thread-safe: cada stream tem
// exatamente um reader.
type Reader struct {
	br    *bufio.Reader
	limit int
	dec   *zstd.Decoder
}

// NewReader cria um Reader com o teto de tamanho em bytes por mensagem.
func NewReader(r io.Reader, limit int) *Reader {
	return &Reader{br: bufio.NewReader(r), limit: limit}
}

func (r *Reader) readMagic(want [4]byte, what string) error {
	var magic [4]byte
	if _, err := io.ReadFull(r.br, magic[:]); err != nil {
		return fmt.Errorf("reading %s magic: %w", what, err)
	}
	if magic != want {
		return ErrInvalidMagic
	}
	return nil
}

func (r *Reader) readVersion(what string) error {
	var version [1]byte
	if _, err := io.ReadFull(r.br, version[:]); err != nil {
		return fmt.Errorf("reading %s version: %w", what, err)
	}
	if version[0] != ProtocolVersion {
		return ErrInvalidVersion
	}
	return nil
}

func (r *Reader) readString(what string) (string, error) {
	s, err := r.br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", what, err)
	}
	return s[:len(s)-1], nil
}

// ReadHandshake lê e valida o frame de abertura (Server side).
func (r *Reader) ReadHandshake() (*Handshake, error) {
	if err := r.readMagic(MagicHandshake, "handshake"); err != nil {
		return nil, err
	}
	var header [2]byte // version + role
	if _, err := io.ReadFull(r.br, header[:]); err != nil {
		return nil, fmt.Errorf("reading handshake header: %w", err)
	}
	if header[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}
	hs := &Handshake{Version: header[0], Role: header[1]}
	var err error
	if hs.SourceID, err = r.readString("handshake source id"); err != nil {
		return nil, err
	}
	if hs.DstID, err = r.readString("handshake dst id"); err != nil {
		return nil, err
	}
	if hs.RuntimeID, err = r.readString("handshake runtime id"); err != nil {
		return nil, err
	}
	var flags [1]byte
	if _, err := io.ReadFull(r.br, flags[:]); err != nil {
		return nil, fmt.Errorf("reading handshake flags: %w", err)
	}
	hs.Flags = flags[0]
	return hs, nil
}

// ReadHandshakeACK lê a resposta ao handshake (Client side).
func (r *Reader) ReadHandshakeACK() (*HandshakeACK, error) {
	var status [1]byte
	if _, err := io.ReadFull(r.br, status[:]); err != nil {
		return nil, fmt.Errorf("reading handshake ack status: %w", err)
	}
	msg, err := r.readString("handshake ack message")
	if err != nil {
		return nil, err
	}
	var flags [1]byte
	if _, err := io.ReadFull(r.br, flags[:]); err != nil {
		return nil, fmt.Errorf("reading handshake ack flags: %w", err)
	}
	return &HandshakeACK{Status: status[0], Message: msg, Flags: flags[0]}, nil
}

// ReadMessage lê um envelope NMSG.
func (r *Reader) ReadMessage() (*Message, error) {
	if err := r.readMagic(MagicMessage, "message"); err != nil {
		return nil, err
	}
	return r.readMessageAfterMagic(r.br)
}

// readMessageAfterMagic lê os campos do envelope a partir do version byte.
// Usado tanto no caminho single quanto na iteração do payload de um lote
// (onde o magic de cada frame interno já foi consumido).
func (r *Reader) readMessageAfterMagic(br *bufio.Reader) (*Message, error) {
	var header [2]byte // version + kind
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	if header[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}
	messageID, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading message id: %w", err)
	}
	messageID = messageID[:len(messageID)-1]
	var bodyLen uint32
	if err := binary.Read(br, binary.BigEndian, &bodyLen); err != nil {
		return nil, fmt.Errorf("reading message body length: %w", err)
	}
	if r.limit > 0 && int(bodyLen) > r.limit {
		return nil, fmt.Errorf("%w: message %s declares %d bytes, limit is %d",
			ErrMessageTooLarge, messageID, bodyLen, r.limit)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}
	target, err := newBody(Kind(header[1]))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, target); err != nil {
		return nil, fmt.Errorf("decoding message body: %w", err)
	}
	return &Message{MessageID: messageID, Kind: Kind(header[1]), Body: target}, nil
}

// ReadBatch lê um frame NBAT e devolve os envelopes na ordem de envio.
func (r *Reader) ReadBatch() ([]*Message, error) {
	if err := r.readMagic(MagicBatch, "batch"); err != nil {
		return nil, err
	}
	var compression [1]byte
	if _, err := io.ReadFull(r.br, compression[:]); err != nil {
		return nil, fmt.Errorf("reading batch compression: %w", err)
	}
	var count, payloadLen uint32
	if err := binary.Read(r.br, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("reading batch count: %w", err)
	}
	if err := binary.Read(r.br, binary.BigEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("reading batch payload length: %w", err)
	}
	if r.limit > 0 && int(payloadLen) > r.limit+batchOverhead {
		return nil, fmt.Errorf("%w: batch declares %d bytes, limit is %d",
			ErrMessageTooLarge, payloadLen, r.limit+batchOverhead)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, fmt.Errorf("reading batch payload: %w", err)
	}
	if compression[0] == CompressionZstd {
		if r.dec == nil {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil, fmt.Errorf("creating zstd decoder: %w", err)
			}
			r.dec = dec
		}
		raw, err := r.dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing batch payload: %w", err)
		}
		payload = raw
	}
	br := bufio.NewReader(bytes.NewReader(payload))
	msgs := make([]*Message, 0, count)
	for i := uint32(0); i < count; i++ {
		var magic [4]byte
		if _, err := io.ReadFull(br, magic[:]); err != nil {
			return nil, fmt.Errorf("%w: batch frame %d: %v", ErrTruncatedFrame, i, err)
		}
		if magic != MagicMessage {
			return nil, ErrInvalidMagic
		}
		msg, err := r.readMessageAfterMagic(br)
		if err != nil {
			return nil, fmt.Errorf("decoding batch frame %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ReadDiscoverRequest lê a requisição de descoberta (Server side).
func (r *Reader) ReadDiscoverRequest() (*DiscoverRequest, error) {
	if err := r.readMagic(MagicDiscover, "discover"); err != nil {
		return nil, err
	}
	if err := r.readVersion("discover"); err != nil {
		return nil, err
	}
	req := &DiscoverRequest{}
	var err error
	if req.DriverIP, err = r.readString("discover driver ip"); err != nil {
		return nil, err
	}
	if req.DriverPort, err = r.readString("discover driver port"); err != nil {
		return nil, err
	}
	if req.JobID, err = r.readString("discover job id"); err != nil {
		return nil, err
	}
	if req.InstanceID, err = r.readString("discover instance id"); err != nil {
		return nil, err
	}
	if req.FunctionName, err = r.readString("discover function name"); err != nil {
		return nil, err
	}
	return req, nil
}

// ReadDiscoverResponse lê a resposta de descoberta (Client side).
func (r *Reader) ReadDiscoverResponse() (*DiscoverResponse, error) {
	var status [1]byte
	if _, err := io.ReadFull(r.br, status[:]); err != nil {
		return nil, fmt.Errorf("reading discover status: %w", err)
	}
	rsp := &DiscoverResponse{Status: status[0]}
	var err error
	if rsp.NodeID, err = r.readString("discover node id"); err != nil {
		return nil, err
	}
	if rsp.HostIP, err = r.readString("discover host ip"); err != nil {
		return nil, err
	}
	if rsp.ServerVersion, err = r.readString("discover server version"); err != nil {
		return nil, err
	}
	return rsp, nil
}
