/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package tls

import (
	"crypto/tls"

	"github.com/mxrelay/mxrelay/framework/config"
)

type TLSConfig struct {
	cert    tls.Certificate
	baseCfg *tls.Config
}

func (cfg *TLSConfig) Get() (*tls.Config, error) {
	tlsCfg := cfg.baseCfg.Clone()
	tlsCfg.Certificates = []tls.Certificate{cfg.cert}
	return tlsCfg, nil
}

// TLSDirective reads a static cert/key TLS block (no ACME-style dynamic
// loader: the spec's TLS config is cert/key plus min version/cipher
// suites only) and adds GetConfigForClient, which returns a copy of that
// configuration. The certificate is read once, when the directive is
// processed; replacing the on-disk files does not change what is served.
//
// The returned value is *tls.Config. If 'tls off' is used, returned
// value is nil.
func TLSDirective(m *config.Map, node config.Node) (interface{}, error) {
	cfg, err := readTLSBlock(m.Globals, node)
	if err != nil {
		return nil, err
	}

	if cfg == nil {
		return nil, nil
	}

	return &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			return cfg.Get()
		},
	}, nil
}

func readTLSBlock(globals map[string]interface{}, blockNode config.Node) (*TLSConfig, error) {
	if len(blockNode.Args) > 0 && blockNode.Args[0] == "off" {
		return nil, nil
	}

	baseCfg := tls.Config{}

	var certFile, keyFile string
	var tlsVersions [2]uint16

	childM := config.NewMap(globals, blockNode)
	childM.String("cert", false, true, "", &certFile)
	childM.String("key", false, true, "", &keyFile)

	childM.Custom("protocols", false, false, func() (interface{}, error) {
		return [2]uint16{0, 0}, nil
	}, TLSVersionsDirective, &tlsVersions)

	childM.Custom("ciphers", false, false, func() (interface{}, error) {
		return nil, nil
	}, TLSCiphersDirective, &baseCfg.CipherSuites)

	childM.Custom("curves", false, false, func() (interface{}, error) {
		return nil, nil
	}, TLSCurvesDirective, &baseCfg.CurvePreferences)

	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, config.NodeErr(blockNode, "failed to load certificate: %v", err)
	}

	if len(baseCfg.CipherSuites) != 0 {
		baseCfg.PreferServerCipherSuites = true
	}

	baseCfg.MinVersion = tlsVersions[0]
	baseCfg.MaxVersion = tlsVersions[1]

	return &TLSConfig{
		cert:    cert,
		baseCfg: &baseCfg,
	}, nil
}
