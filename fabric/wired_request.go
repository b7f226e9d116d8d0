// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"time"

	"github.com/nishisan-dev/n-fabric/protocol"
)

// ResponseCallback é chamado uma única vez com o desfecho de um wired
// request. needErase decide se o registro é liberado; respostas
// intermediárias (create/invoke aceitos aguardando notify) recusam.
type ResponseCallback func(msg *protocol.Message, err ErrorInfo, needErase func(bool))

// NotifyCallback recebe a notificação de conclusão assíncrona de um
// Create/Invoke.
type NotifyCallback func(req *protocol.NotifyRequest, err ErrorInfo)

// wiredRequest é o registro de uma chamada pendente. Todos os campos são
// guardados pelo mutex da tabela do broker; os timers disparam callbacks
// que procuram o registro pelo request id: um registro já liquidado
// simplesmente não é mais encontrado.
type wiredRequest struct {
	requestID      string
	callback       ResponseCallback
	notifyCallback NotifyCallback
	dstInstanceID  string

	retryCount         int
	ackReceived        bool
	exponentialBackoff bool
	remainTimeoutSec   int
	retryIntervalSec   int
	returnObjectsSize  int

	retryHdlr    func()
	retryTimer   *time.Timer
	timeoutTimer *time.Timer
}

func newWiredRequest(requestID string, cb ResponseCallback, notifyCb NotifyCallback, dstInstance string) *wiredRequest {
	if dstInstance == "" {
		dstInstance = protocol.FunctionProxy
	}
	return &wiredRequest{
		requestID:      requestID,
		callback:       cb,
		notifyCallback: notifyCb,
		dstInstanceID:  dstInstance,
	}
}

// cancelTimers para os timers de retry e timeout. Chamado antes do registro
// ser descartado.
func (wr *wiredRequest) cancelTimers() {
	if wr.retryTimer != nil {
		wr.retryTimer.Stop()
	}
	if wr.timeoutTimer != nil {
		wr.timeoutTimer.Stop()
	}
}
