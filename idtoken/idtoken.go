// Package idtoken signs OIDC ID tokens and publishes the JWKS document
// relying parties need to verify them, using a single static RSA keypair
// with no rotation.
package idtoken

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"

	jose "gopkg.in/square/go-jose.v2"
)

const kid = "rsa"

// Signer holds the RSA keypair used exclusively for RS256 ID-token signing
// and JWKS publication. Rotation is out of scope.
type Signer struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	joseKey jose.Signer
}

// LoadFromFiles reads a PKCS#8 private key and an X.509 public key, both
// PEM-encoded, from the paths named by configuration.
func LoadFromFiles(privatePath, publicPath string) (*Signer, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return New(privPEM, pubPEM)
}

// New parses a PEM-encoded PKCS#8 private key and a PEM-encoded PKIX
// (X.509) public key and constructs a ready-to-use Signer.
func New(privatePEM, publicPEM []byte) (*Signer, error) {
	privBlock, _ := pem.Decode(privatePEM)
	if privBlock == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}
	privAny, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := privAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("invalid public key PEM")
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       priv,
	}, (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid))
	if err != nil {
		return nil, fmt.Errorf("construct signer: %w", err)
	}

	return &Signer{private: priv, public: pub, joseKey: signer}, nil
}

// Claims is the fixed ID-token claim set: iss, sub, aud, azp, exp, iat, an
// optional nonce, plus the three sub_* extension claims.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  string
	ExpiresAt int64
	IssuedAt  int64
	Nonce     string

	SubEmail   string
	SubName    string
	SubIsAdmin bool
}

func (c Claims) toJSON() ([]byte, error) {
	m := map[string]interface{}{
		"iss":          c.Issuer,
		"sub":          c.Subject,
		"aud":          c.Audience,
		"azp":          c.Audience,
		"exp":          c.ExpiresAt,
		"iat":          c.IssuedAt,
		"sub_email":    c.SubEmail,
		"sub_name":     c.SubName,
		"sub_is_admin": c.SubIsAdmin,
	}
	if c.Nonce != "" {
		m["nonce"] = c.Nonce
	}
	return json.Marshal(m)
}

// Sign produces a compact RS256 JWS over Claims.
func (s *Signer) Sign(c Claims) (string, error) {
	payload, err := c.toJSON()
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	jws, err := s.joseKey.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return jws.CompactSerialize()
}

// jwk is the single JWKS entry: n and e are the RSA modulus and public
// exponent, base64url-encoded without padding over their big-endian byte
// representation.
type jwk struct {
	Kty     string   `json:"kty"`
	Use     string   `json:"use"`
	Alg     string   `json:"alg"`
	Kid     string   `json:"kid"`
	KeyOps  []string `json:"key_ops"`
	N       string   `json:"n"`
	E       string   `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// JWKS renders the JSON Web Key Set document served at /.well-known/jwks.json.
func (s *Signer) JWKS() ([]byte, error) {
	eBytes := big.NewInt(int64(s.public.E)).Bytes()
	doc := jwks{Keys: []jwk{{
		Kty:    "RSA",
		Use:    "sig",
		Alg:    "RS256",
		Kid:    kid,
		KeyOps: []string{"verify"},
		N:      base64.RawURLEncoding.EncodeToString(s.public.N.Bytes()),
		E:      base64.RawURLEncoding.EncodeToString(eBytes),
	}}}
	return json.Marshal(doc)
}
