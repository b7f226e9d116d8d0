// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Writer serializa frames do protocolo em um io.Writer. Não é thread-safe:
// cada stream tem exatamente um writer (disciplina single-writer).
type Writer struct {
	w     io.Writer
	limit int // teto em bytes por corpo de mensagem
	enc   *zstd.Encoder
}

// NewWriter cria um Writer com o teto de tamanho em bytes por mensagem.
func NewWriter(w io.Writer, limit int) *Writer {
	return &Writer{w: w, limit: limit}
}

// Limit devolve o teto de tamanho configurado.
func (w *Writer) Limit() int { return w.limit }

func writeString(w io.Writer, s string) error {
	if _, err := w.Write([]byte(s)); err != nil {
		return err
	}
	_, err := w.Write([]byte{'\n'})
	return err
}

// WriteHandshake escreve o frame de abertura de stream (Client → Server).
func (w *Writer) WriteHandshake(hs *Handshake) error {
	if _, err := w.w.Write(MagicHandshake[:]); err != nil {
		return fmt.Errorf("writing handshake magic: %w", err)
	}
	if _, err := w.w.Write([]byte{ProtocolVersion, hs.Role}); err != nil {
		return fmt.Errorf("writing handshake header: %w", err)
	}
	for _, field := range []string{hs.SourceID, hs.DstID, hs.RuntimeID} {
		if err := writeString(w.w, field); err != nil {
			return fmt.Errorf("writing handshake field: %w", err)
		}
	}
	if _, err := w.w.Write([]byte{hs.Flags}); err != nil {
		return fmt.Errorf("writing handshake flags: %w", err)
	}
	return nil
}

// WriteHandshakeACK escreve a resposta ao handshake (Server → Client).
func (w *Writer) WriteHandshakeACK(ack *HandshakeACK) error {
	if _, err := w.w.Write([]byte{ack.Status}); err != nil {
		return fmt.Errorf("writing handshake ack status: %w", err)
	}
	if err := writeString(w.w, ack.Message); err != nil {
		return fmt.Errorf("writing handshake ack message: %w", err)
	}
	if _, err := w.w.Write([]byte{ack.Flags}); err != nil {
		return fmt.Errorf("writing handshake ack flags: %w", err)
	}
	return nil
}

// encodeMessage monta o frame completo de um envelope em memória.
// Valida o teto de tamanho ANTES de qualquer byte tocar o transporte.
func (w *Writer) encodeMessage(msg *Message) ([]byte, error) {
	body, err := msg.EncodeBody()
	if err != nil {
		return nil, err
	}
	if w.limit > 0 && len(body) > w.limit {
		return nil, fmt.Errorf("%w: message %s has %d bytes, limit is %d",
			ErrMessageTooLarge, msg.MessageID, len(body), w.limit)
	}
	var buf bytes.Buffer
	buf.Write(MagicMessage[:])
	buf.WriteByte(ProtocolVersion)
	buf.WriteByte(byte(msg.Kind))
	buf.WriteString(msg.MessageID)
	buf.WriteByte('\n')
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf.Write(lenBuf[:])
	buf.Write(body)
	return buf.Bytes(), nil
}

// WriteMessage escreve um envelope.
// Formato: [Magic "NMSG" 4B] [Version 1B] [Kind 1B] [MessageID '\n'] [BodyLen uint32 4B] [Body JSON]
func (w *Writer) WriteMessage(msg *Message) error {
	frame, err := w.encodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("writing message frame: %w", err)
	}
	return nil
}

// WriteBatch escreve um frame em lote com os envelopes na ordem dada.
// Formato: [Magic "NBAT" 4B] [Compression 1B] [Count uint32 4B] [PayloadLen uint32 4B] [Payload]
// O payload é a concatenação dos frames NMSG, comprimida quando o stream
// negociou zstd. A ordem FIFO por fila é preservada.
func (w *Writer) WriteBatch(msgs []*Message, compression byte) error {
	var payload bytes.Buffer
	for _, msg := range msgs {
		frame, err := w.encodeMessage(msg)
		if err != nil {
			return err
		}
		payload.Write(frame)
	}
	raw := payload.Bytes()
	if compression == CompressionZstd {
		if w.enc == nil {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				return fmt.Errorf("creating zstd encoder: %w", err)
			}
			w.enc = enc
		}
		raw = w.enc.EncodeAll(raw, nil)
	}
	if _, err := w.w.Write(MagicBatch[:]); err != nil {
		return fmt.Errorf("writing batch magic: %w", err)
	}
	if _, err := w.w.Write([]byte{compression}); err != nil {
		return fmt.Errorf("writing batch compression: %w", err)
	}
	if err := binary.Write(w.w, binary.BigEndian, uint32(len(msgs))); err != nil {
		return fmt.Errorf("writing batch count: %w", err)
	}
	if err := binary.Write(w.w, binary.BigEndian, uint32(len(raw))); err != nil {
		return fmt.Errorf("writing batch payload length: %w", err)
	}
	if _, err := w.w.Write(raw); err != nil {
		return fmt.Errorf("writing batch payload: %w", err)
	}
	return nil
}

// WriteDiscoverRequest escreve a requisição de descoberta do driver.
func (w *Writer) WriteDiscoverRequest(req *DiscoverRequest) error {
	if _, err := w.w.Write(MagicDiscover[:]); err != nil {
		return fmt.Errorf("writing discover magic: %w", err)
	}
	if _, err := w.w.Write([]byte{ProtocolVersion}); err != nil {
		return fmt.Errorf("writing discover version: %w", err)
	}
	for _, field := range []string{req.DriverIP, req.DriverPort, req.JobID, req.InstanceID, req.FunctionName} {
		if err := writeString(w.w, field); err != nil {
			return fmt.Errorf("writing discover field: %w", err)
		}
	}
	return nil
}

// WriteDiscoverResponse escreve a resposta de descoberta (Server → Client).
func (w *Writer) WriteDiscoverResponse(rsp *DiscoverResponse) error {
	if _, err := w.w.Write([]byte{rsp.Status}); err != nil {
		return fmt.Errorf("writing discover status: %w", err)
	}
	for _, field := range []string{rsp.NodeID, rsp.HostIP, rsp.ServerVersion} {
		if err := writeString(w.w, field); err != nil {
			return fmt.Errorf("writing discover response field: %w", err)
		}
	}
	return nil
}
