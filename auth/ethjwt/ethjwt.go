package ethjwt

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt"
)

// Audience is the audience claim of auctioneer tokens.
const Audience = "auctioneer"

var (
	// ErrInvalidToken indicates the token is malformed, expired, or badly signed.
	ErrInvalidToken = errors.New("invalid token")

	// SigningMethod is the ETH personal-sign signing method.
	SigningMethod = &SigningMethodEth{"ETH"}
)

func init() {
	jwt.RegisterSigningMethod(SigningMethod.Alg(), func() jwt.SigningMethod {
		return SigningMethod
	})
}

// SigningMethodEth implements the ETH signing method.
// Expects *ecdsa.PrivateKey for signing and common.Address for validation.
type SigningMethodEth struct {
	Name string
}

// signHash calculates
//   keccak256("\x19Ethereum Signed Message:\n"${message length}${message})
// which gives context to the signed message and prevents signing of transactions.
func signHash(data []byte) []byte {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256([]byte(msg))
}

// Alg returns the name of this signing method.
func (m *SigningMethodEth) Alg() string {
	return m.Name
}

// Verify checks that signature recovers to the expected common.Address.
func (m *SigningMethodEth) Verify(signingString, signature string, address interface{}) error {
	sig, err := jwt.DecodeSegment(signature)
	if err != nil {
		return err
	}
	expectedAddr, ok := address.(common.Address)
	if !ok {
		return jwt.ErrInvalidKeyType
	}

	pub, err := crypto.SigToPub(signHash([]byte(signingString)), sig)
	if err != nil {
		return err
	}
	recoveredAddr := crypto.PubkeyToAddress(*pub)
	if !bytes.Equal(expectedAddr.Bytes(), recoveredAddr.Bytes()) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// Sign signs signingString with an *ecdsa.PrivateKey.
func (m *SigningMethodEth) Sign(signingString string, privateKey interface{}) (string, error) {
	sk, ok := privateKey.(*ecdsa.PrivateKey)
	if !ok {
		return "", jwt.ErrInvalidKey
	}
	sig, err := crypto.Sign(signHash([]byte(signingString)), sk)
	if err != nil {
		return "", err
	}
	return jwt.EncodeSegment(sig), nil
}

// NewToken returns a token issued by the address of sk that expires after ttl.
func NewToken(sk *ecdsa.PrivateKey, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &jwt.StandardClaims{
		Issuer:    crypto.PubkeyToAddress(sk.PublicKey).Hex(),
		Audience:  Audience,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(SigningMethod, claims).SignedString(sk)
}

// CallerFromToken validates a token and returns the address that signed it.
func CallerFromToken(token string) (common.Address, error) {
	var claims jwt.StandardClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != SigningMethod {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		c, ok := t.Claims.(*jwt.StandardClaims)
		if !ok || !common.IsHexAddress(c.Issuer) {
			return nil, errors.New("issuer is not an address")
		}
		return common.HexToAddress(c.Issuer), nil
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.VerifyAudience(Audience, true) {
		return common.Address{}, fmt.Errorf("%w: wrong audience", ErrInvalidToken)
	}
	if claims.ExpiresAt == 0 {
		return common.Address{}, fmt.Errorf("%w: missing expiration", ErrInvalidToken)
	}
	return common.HexToAddress(claims.Issuer), nil
}
