// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fabric implementa o runtime fabric do lado do client: o broker de
// request/response sobre streams bidirecionais com o function-proxy e, quando
// habilitado, diretamente entre workers.
package fabric

import (
	"fmt"

	"github.com/nishisan-dev/n-fabric/protocol"
)

// ErrorInfo é o resultado de uma operação do bus: código + mensagem.
// Código zero (CodeNone) significa sucesso.
type ErrorInfo struct {
	Code    protocol.Code
	Message string

	// IsTimeout marca resultados sintetizados pelo timer de timeout do
	// broker, distinguíveis de erros reportados pelo peer.
	IsTimeout bool
}

// OK informa se a operação teve sucesso.
func (e ErrorInfo) OK() bool {
	return e.Code == protocol.CodeNone
}

func (e ErrorInfo) String() string {
	if e.OK() {
		return "OK"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewErrorInfo monta um ErrorInfo.
func NewErrorInfo(code protocol.Code, message string) ErrorInfo {
	return ErrorInfo{Code: code, Message: message}
}

func communicationError(msg string) ErrorInfo {
	return ErrorInfo{Code: protocol.CodeInnerCommunication, Message: msg}
}
