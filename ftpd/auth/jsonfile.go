package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// failureDelay is the fixed delay applied to both bad-user and
// bad-password paths, so that timing alone can't tell an attacker which
// of the two failed - the same defense the original JSON-file
// authenticator applied via tokio::time::sleep(1500ms).
const failureDelay = 1500 * time.Millisecond

// credentialRecord mirrors one entry of the JSON credential file format
// from the external-interfaces section of the specification: either a
// plaintext password or a PBKDF2-HMAC-SHA256 salt/key/iteration triple.
type credentialRecord struct {
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PBKDF2Salt string `json:"pbkdf2_salt,omitempty"`
	PBKDF2Key  string `json:"pbkdf2_key,omitempty"`
	PBKDF2Iter int    `json:"pbkdf2_iter,omitempty"`
}

type storedCredential struct {
	plaintext string
	isPlain   bool

	salt []byte
	key  []byte
	iter int
}

// JSONFile is an Authenticator backed by a JSON credential file,
// grounded directly on the original project's unftp-auth-jsonfile
// authenticator: plaintext and PBKDF2-HMAC-SHA256 entries may be mixed
// in the same file, keyed by username.
type JSONFile struct {
	db map[string]storedCredential
}

// NewJSONFileFromPath loads and parses a credential file from disk.
func NewJSONFileFromPath(path string) (*JSONFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: reading credential file: %w", err)
	}
	return NewJSONFileFromJSON(data)
}

// NewJSONFileFromJSON parses a credential file already held in memory.
func NewJSONFileFromJSON(data []byte) (*JSONFile, error) {
	var records []credentialRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("auth: parsing credential file: %w", err)
	}
	db := make(map[string]storedCredential, len(records))
	for _, r := range records {
		if r.PBKDF2Salt != "" || r.PBKDF2Key != "" {
			salt, err := base64.StdEncoding.DecodeString(r.PBKDF2Salt)
			if err != nil {
				return nil, fmt.Errorf("auth: user %q: decoding pbkdf2_salt: %w", r.Username, err)
			}
			key, err := base64.StdEncoding.DecodeString(r.PBKDF2Key)
			if err != nil {
				return nil, fmt.Errorf("auth: user %q: decoding pbkdf2_key: %w", r.Username, err)
			}
			if len(key) > sha256.Size {
				return nil, fmt.Errorf("auth: user %q: pbkdf2_key longer than sha256 output", r.Username)
			}
			if r.PBKDF2Iter <= 0 {
				return nil, fmt.Errorf("auth: user %q: pbkdf2_iter must be positive", r.Username)
			}
			db[r.Username] = storedCredential{salt: salt, key: key, iter: r.PBKDF2Iter}
			continue
		}
		db[r.Username] = storedCredential{plaintext: r.Password, isPlain: true}
	}
	return &JSONFile{db: db}, nil
}

func (j *JSONFile) Authenticate(ctx context.Context, username, password string) (User, error) {
	cred, ok := j.db[username]
	if !ok {
		sleepFor(ctx, failureDelay)
		return User{}, NewError(ErrKindBadUser, nil)
	}

	var ok2 bool
	if cred.isPlain {
		ok2 = subtle.ConstantTimeCompare([]byte(cred.plaintext), []byte(password)) == 1
	} else {
		derived := pbkdf2.Key([]byte(password), cred.salt, cred.iter, len(cred.key), sha256.New)
		ok2 = subtle.ConstantTimeCompare(derived, cred.key) == 1
	}

	if !ok2 {
		sleepFor(ctx, failureDelay)
		return User{}, NewError(ErrKindBadPassword, nil)
	}
	return User{Username: username}, nil
}

func sleepFor(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
