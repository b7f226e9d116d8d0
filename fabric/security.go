// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"crypto/tls"

	"github.com/nishisan-dev/n-fabric/internal/pki"
)

// Security agrupa o material TLS consumido pelo fabric. Um Security nil ou
// sem CA roda o transporte em claro (apenas ambientes de teste).
type Security struct {
	CACert             string
	Cert               string
	Key                string
	ServerNameOverride string
}

// Enabled informa se TLS deve ser usado.
func (s *Security) Enabled() bool {
	return s != nil && s.CACert != ""
}

// ClientTLS devolve a configuração mTLS do lado client, ou nil se TLS
// está desabilitado.
func (s *Security) ClientTLS() (*tls.Config, error) {
	if !s.Enabled() {
		return nil, nil
	}
	return pki.NewClientTLSConfig(s.CACert, s.Cert, s.Key, s.ServerNameOverride)
}

// ServerTLS devolve a configuração mTLS do lado server, ou nil se TLS
// está desabilitado.
func (s *Security) ServerTLS() (*tls.Config, error) {
	if !s.Enabled() {
		return nil, nil
	}
	return pki.NewServerTLSConfig(s.CACert, s.Cert, s.Key)
}
