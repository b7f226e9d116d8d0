// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fabric License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fabric

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-fabric/protocol"
)

// connectTimeout é o prazo para uma conexão nova ficar estabelecida.
const connectTimeout = 5 * time.Second

var ipPortRegex = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{1,5}$`)

// DataStoreOptions parametriza o client do data store compartilhado.
type DataStoreOptions struct {
	Endpoint  string // endpoint S3-compatível; vazio usa o default da região
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// DataStoreClient é o conjunto de clients do data store que compartilham o
// ciclo de vida de uma entrada do pool.
type DataStoreClient struct {
	S3     *s3.Client
	Bucket string

	httpClient *http.Client
}

// ConnPool mantém os registros ref-counted de conexões do bus, clients do
// data store e clients HTTP, todos chaveados por "ip:port"/endpoint. Uma
// entrada nasce no primeiro uso e morre quando a contagem volta a zero; o
// teardown roda fora do lock.
type ConnPool struct {
	logger *slog.Logger

	connsMu   sync.Mutex
	conns     map[string]net.Conn
	connsRefs map[string]int

	dsMu   sync.Mutex
	ds     map[string]*DataStoreClient
	dsRefs map[string]int

	httpMu    sync.Mutex
	https     map[string]*http.Client
	httpsRefs map[string]int
}

// NewConnPool cria um pool vazio.
func NewConnPool(logger *slog.Logger) *ConnPool {
	return &ConnPool{
		logger:    logger.With("component", "conn_pool"),
		conns:     make(map[string]net.Conn),
		connsRefs: make(map[string]int),
		ds:        make(map[string]*DataStoreClient),
		dsRefs:    make(map[string]int),
		https:     make(map[string]*http.Client),
		httpsRefs: make(map[string]int),
	}
}

func addrOf(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// Get devolve a conexão existente para o endereço incrementando a
// contagem, ou (nil, false) se não há entrada.
func (p *ConnPool) Get(ip string, port int) (net.Conn, bool) {
	addr := addrOf(ip, port)
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	conn, ok := p.conns[addr]
	if !ok {
		return nil, false
	}
	p.connsRefs[addr]++
	return conn, true
}

// New estabelece uma conexão nova para o endereço (TLS quando o Security
// está habilitado), registra com contagem 1 e devolve. A conexão precisa
// ficar estabelecida dentro do prazo fixo, senão CONNECTION_FAILED.
func (p *ConnPool) New(ip string, port int, sec *Security) (net.Conn, ErrorInfo) {
	addr := addrOf(ip, port)
	if !ipPortRegex.MatchString(addr) {
		p.logger.Error("invalid runtime bus server address", "addr", addr)
		return nil, NewErrorInfo(protocol.CodeConnectionFailed, "the server address is invalid")
	}
	conn, err := p.dial(addr, sec)
	if !err.OK() {
		return nil, err
	}
	p.connsMu.Lock()
	p.conns[addr] = conn
	p.connsRefs[addr]++
	p.connsMu.Unlock()
	return conn, ErrorInfo{}
}

func (p *ConnPool) dial(addr string, sec *Security) (net.Conn, ErrorInfo) {
	dialer := &net.Dialer{Timeout: connectTimeout}
	rawConn, derr := dialer.Dial("tcp", addr)
	if derr != nil {
		p.logger.Error("failed to connect to runtime bus server", "addr", addr, "error", derr)
		return nil, NewErrorInfo(protocol.CodeConnectionFailed, "failed to connect to runtime bus server: "+derr.Error())
	}
	if !sec.Enabled() {
		return rawConn, ErrorInfo{}
	}
	tlsCfg, terr := sec.ClientTLS()
	if terr != nil {
		rawConn.Close()
		return nil, NewErrorInfo(protocol.CodeConnectionFailed, "loading TLS material: "+terr.Error())
	}
	if tlsCfg.ServerName == "" {
		host, _, herr := net.SplitHostPort(addr)
		if herr != nil {
			host = addr
		}
		tlsCfg.ServerName = host
	}
	tlsConn := tls.Client(rawConn, tlsCfg)
	tlsConn.SetDeadline(time.Now().Add(connectTimeout))
	if herr := tlsConn.Handshake(); herr != nil {
		rawConn.Close()
		return nil, NewErrorInfo(protocol.CodeConnectionFailed, "TLS handshake failed: "+herr.Error())
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, ErrorInfo{}
}

// Release decrementa a contagem do endereço; ao chegar em zero a entrada é
// removida e a conexão fechada. O fechamento roda fora do lock.
func (p *ConnPool) Release(ip string, port int) ErrorInfo {
	addr := addrOf(ip, port)
	var closing net.Conn
	p.connsMu.Lock()
	if _, ok := p.connsRefs[addr]; !ok {
		p.connsMu.Unlock()
		return NewErrorInfo(protocol.CodeInnerSystemError, "cannot find bus conn ref count info")
	}
	p.connsRefs[addr]--
	if p.connsRefs[addr] == 0 {
		closing = p.conns[addr]
		delete(p.connsRefs, addr)
		delete(p.conns, addr)
	}
	p.connsMu.Unlock()
	if closing != nil {
		closing.Close()
	}
	return ErrorInfo{}
}

// GetOrNewDataStoreClient devolve o client do data store para o endpoint,
// criando na primeira vez. Entradas são compartilhadas por ref count.
func (p *ConnPool) GetOrNewDataStoreClient(ctx context.Context, opts DataStoreOptions) (*DataStoreClient, ErrorInfo) {
	key := opts.Endpoint + "/" + opts.Region
	p.dsMu.Lock()
	defer p.dsMu.Unlock()
	if client, ok := p.ds[key]; ok {
		p.dsRefs[key]++
		return client, ErrorInfo{}
	}
	client, err := p.initDataStoreClient(ctx, opts)
	if !err.OK() {
		return nil, err
	}
	p.ds[key] = client
	p.dsRefs[key]++
	return client, ErrorInfo{}
}

func (p *ConnPool) initDataStoreClient(ctx context.Context, opts DataStoreOptions) (*DataStoreClient, ErrorInfo) {
	httpClient := &http.Client{Timeout: connectTimeout}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, NewErrorInfo(protocol.CodeConnectionFailed, "loading data store config: "+err.Error())
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &DataStoreClient{S3: client, Bucket: opts.Bucket, httpClient: httpClient}, ErrorInfo{}
}

// ReleaseDataStoreClient decrementa a contagem do endpoint; ao chegar em
// zero o client é desligado exatamente uma vez.
func (p *ConnPool) ReleaseDataStoreClient(endpoint, region string) ErrorInfo {
	key := endpoint + "/" + region
	var closing *DataStoreClient
	p.dsMu.Lock()
	if _, ok := p.dsRefs[key]; !ok {
		p.dsMu.Unlock()
		return NewErrorInfo(protocol.CodeInnerSystemError, "cannot find data store client ref count info")
	}
	p.dsRefs[key]--
	if p.dsRefs[key] == 0 {
		closing = p.ds[key]
		delete(p.dsRefs, key)
		delete(p.ds, key)
	}
	p.dsMu.Unlock()
	if closing != nil {
		closing.httpClient.CloseIdleConnections()
		p.logger.Debug("shutdown data store client", "endpoint", endpoint)
	}
	return ErrorInfo{}
}

// GetOrNewHTTPClient devolve o client HTTP compartilhado para o endereço.
func (p *ConnPool) GetOrNewHTTPClient(ip string, port int) (*http.Client, ErrorInfo) {
	addr := addrOf(ip, port)
	p.httpMu.Lock()
	defer p.httpMu.Unlock()
	if client, ok := p.https[addr]; ok {
		p.httpsRefs[addr]++
		return client, ErrorInfo{}
	}
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
	p.https[addr] = client
	p.httpsRefs[addr]++
	return client, ErrorInfo{}
}

// ReleaseHTTPClient decrementa a contagem do endereço; ao chegar em zero o
// client é removido e as conexões ociosas fechadas.
func (p *ConnPool) ReleaseHTTPClient(ip string, port int) ErrorInfo {
	addr := addrOf(ip, port)
	var closing *http.Client
	p.httpMu.Lock()
	if _, ok := p.httpsRefs[addr]; !ok {
		p.httpMu.Unlock()
		return NewErrorInfo(protocol.CodeInnerSystemError, "cannot find http client ref count info")
	}
	p.httpsRefs[addr]--
	if p.httpsRefs[addr] == 0 {
		closing = p.https[addr]
		delete(p.httpsRefs, addr)
		delete(p.https, addr)
	}
	p.httpMu.Unlock()
	if closing != nil {
		closing.CloseIdleConnections()
	}
	return ErrorInfo{}
}
