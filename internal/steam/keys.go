package steam

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// Universe is the platform environment a session belongs to.
type Universe uint8

const (
	UniverseInvalid Universe = iota
	UniversePublic
	UniverseBeta
	UniverseInternal
	UniverseDev
)

var universeNames = map[string]Universe{
	"public":   UniversePublic,
	"beta":     UniverseBeta,
	"internal": UniverseInternal,
	"dev":      UniverseDev,
}

// LoadUniverseKeys parses the platform RSA public keys from a PEM file.
// Blocks may carry a "Universe" header naming their environment; a headerless
// first block is taken as the public universe.
func LoadUniverseKeys(path string) (map[Universe]*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	keys := make(map[Universe]*rsa.PublicKey)
	first := true
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		universe := UniverseInvalid
		if name, ok := block.Headers["Universe"]; ok {
			universe = universeNames[strings.ToLower(name)]
		} else if first {
			universe = UniversePublic
		}
		first = false
		if universe == UniverseInvalid {
			continue
		}

		key, err := parseRSAPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("universe %d: %w", universe, err)
		}
		keys[universe] = key
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no usable keys in %s", path)
	}
	return keys, nil
}

func parseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA key")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}
