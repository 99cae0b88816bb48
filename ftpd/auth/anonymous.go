package auth

import "context"

// Anonymous accepts any username with any password, the way the
// original server's pass-through builder option did for anonymous FTP.
// It returns a User carrying whatever username the client presented.
type Anonymous struct{}

func (Anonymous) Authenticate(_ context.Context, username, _ string) (User, error) {
	return User{Username: username}, nil
}
