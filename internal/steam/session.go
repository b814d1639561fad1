package steam

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const authenticateUserPath = "/ISteamUserAuth/AuthenticateUser/v1/"

type authenticateUserResponse struct {
	AuthenticateUser struct {
		Token       string `json:"token"`
		TokenSecure string `json:"tokensecure"`
	} `json:"authenticateuser"`
}

// InitSession establishes the web session: it encrypts a fresh symmetric key
// under the universe's RSA public key, authenticates the server nonce with
// it, and plants the returned tokens as cookies across the primary hosts.
func (c *Client) InitSession(ctx context.Context, steamID uint64, universe Universe, serverNonce string, parentalCode string) error {
	if steamID == 0 || serverNonce == "" {
		slog.Error("invalid session init arguments, please report this",
			"steamID", steamID, "nonceEmpty", serverNonce == "")
		return ErrInvalidInput
	}

	publicKey, ok := c.universeKeys[universe]
	if !ok {
		return fmt.Errorf("no public key for universe %d", universe)
	}

	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}

	encryptedSessionKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, publicKey, sessionKey, nil)
	if err != nil {
		return fmt.Errorf("encrypt session key: %w", err)
	}

	encryptedNonce, err := symmetricEncrypt([]byte(serverNonce), sessionKey)
	if err != nil {
		return fmt.Errorf("encrypt nonce: %w", err)
	}

	form := url.Values{
		"steamid":            {strconv.FormatUint(steamID, 10)},
		"sessionkey":         {string(encryptedSessionKey)},
		"encrypted_loginkey": {string(encryptedNonce)},
	}

	var resp authenticateUserResponse
	if err := c.PostJSON(ctx, HostWebAPI, authenticateUserPath, form, &resp, WithoutSessionCheck()); err != nil {
		return fmt.Errorf("authenticate user: %w", err)
	}
	if resp.AuthenticateUser.Token == "" || resp.AuthenticateUser.TokenSecure == "" {
		return fmt.Errorf("authenticate user: empty tokens in response")
	}

	sessionID := base64.StdEncoding.EncodeToString([]byte(strconv.FormatUint(steamID, 10)))
	c.plantSessionCookies(sessionID, resp.AuthenticateUser.Token, resp.AuthenticateUser.TokenSecure)

	c.steamID = steamID
	c.markSessionValid()

	if len(parentalCode) == 4 {
		if err := c.unlockParental(ctx, parentalCode); err != nil {
			return fmt.Errorf("parental unlock: %w", err)
		}
	}

	slog.Info("web session initialised", "steamID", steamID)
	return nil
}

func (c *Client) plantSessionCookies(sessionID, token, tokenSecure string) {
	for _, host := range PrimaryHosts {
		u, err := url.Parse(c.hostURL(host))
		if err != nil {
			continue
		}
		c.jar.SetCookies(u, []*http.Cookie{
			{Name: "sessionid", Value: sessionID, Path: "/"},
			{Name: "steamLogin", Value: token, Path: "/", HttpOnly: true},
			{Name: "steamLoginSecure", Value: tokenSecure, Path: "/", Secure: true, HttpOnly: true},
			{Name: "timezoneOffset", Value: timezoneOffsetValue(), Path: "/"},
		})
	}
}

func timezoneOffsetValue() string {
	_, offset := time.Now().Zone()
	return strconv.Itoa(offset) + ",0"
}

// unlockParental posts the 4-digit code to the community and store hosts.
func (c *Client) unlockParental(ctx context.Context, code string) error {
	for _, host := range []Host{HostCommunity, HostStore} {
		form := url.Values{"pin": {code}}
		if err := c.Post(ctx, host, "/parental/ajaxunlock", form,
			WithSession(SessionLowercase), WithoutSessionCheck()); err != nil {
			return fmt.Errorf("unlock %s: %w", host, err)
		}
	}
	return nil
}

// symmetricEncrypt implements the platform's hybrid scheme: the random IV is
// encrypted with AES-ECB under the key, the plaintext with AES-CBC under the
// same key and IV; output is encryptedIV || ciphertext.
func symmetricEncrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("rand iv: %w", err)
	}

	encryptedIV := make([]byte, aes.BlockSize)
	block.Encrypt(encryptedIV, iv)

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return append(encryptedIV, ciphertext...), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}
