// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// RequestIDLen é o comprimento fixo de um request id: 30 hex chars
// aleatórios + 2 hex chars de sequência ("00" na emissão original).
const RequestIDLen = 32

// rawSeq é o sufixo de sequência de um request id recém emitido.
const rawSeq = "00"

// GenRequestID gera um request id novo.
func GenRequestID() string {
	b := make([]byte, (RequestIDLen-2)/2)
	rand.Read(b)
	return hex.EncodeToString(b) + rawSeq
}

// GenMessageID deriva o message id de uma tentativa de envio: o request id
// concatenado com o byte de retry em hex. O dispatcher do peer descarta o
// sufixo para correlacionar respostas de qualquer tentativa com o mesmo
// wired request.
func GenMessageID(requestID string, retry uint8) string {
	return requestID + fmt.Sprintf("%02x", retry)
}

// RequestIDFromMessageID recupera o request id de um message id, removendo
// o sufixo de retry. Message ids curtos demais são devolvidos como estão.
func RequestIDFromMessageID(messageID string) string {
	if len(messageID) < RequestIDLen {
		return messageID
	}
	return messageID[:RequestIDLen]
}

// RealRequestID remove marcadores internos anexados ao request id
// (ex: "@initcall"), devolvendo o id lógico da chamada.
func RealRequestID(requestID string) string {
	if i := strings.IndexByte(requestID, '@'); i >= 0 {
		return requestID[:i]
	}
	return requestID
}
