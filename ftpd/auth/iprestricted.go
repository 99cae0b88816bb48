package auth

import (
	"context"
	"net/netip"
)

// ipKey is the context key IPRestricted reads the caller's remote
// address from. The control channel is responsible for stashing it into
// ctx before calling Authenticate; see session.authenticate in package
// ftpd.
type ipKey struct{}

// WithRemoteAddr returns a context carrying addr, for a control channel
// to attach to the context it passes into Authenticate.
func WithRemoteAddr(ctx context.Context, addr netip.Addr) context.Context {
	return context.WithValue(ctx, ipKey{}, addr)
}

func remoteAddrFrom(ctx context.Context) (netip.Addr, bool) {
	addr, ok := ctx.Value(ipKey{}).(netip.Addr)
	return addr, ok
}

// IPRestricted wraps another Authenticator and, after it succeeds,
// additionally requires the caller's remote address to fall within one
// of the per-user allow-listed prefixes. A user with no configured
// prefixes is allowed from anywhere, matching the teacher's
// FindIP/AddIP semantics in ftp/ftpusers/users.go where an empty IP set
// means unrestricted.
//
// A caller whose address isn't in the allow-list sees the same 530 as
// any other authentication failure - the contract makes no room for a
// distinct wire signal here either.
type IPRestricted struct {
	Inner     Authenticator
	Allowlist map[string][]netip.Prefix
}

func NewIPRestricted(inner Authenticator) *IPRestricted {
	return &IPRestricted{Inner: inner, Allowlist: make(map[string][]netip.Prefix)}
}

// Allow adds prefix to username's allow-list.
func (r *IPRestricted) Allow(username string, prefix netip.Prefix) {
	r.Allowlist[username] = append(r.Allowlist[username], prefix)
}

func (r *IPRestricted) Authenticate(ctx context.Context, username, password string) (User, error) {
	user, err := r.Inner.Authenticate(ctx, username, password)
	if err != nil {
		return User{}, err
	}

	prefixes, restricted := r.Allowlist[username]
	if !restricted || len(prefixes) == 0 {
		return user, nil
	}

	addr, ok := remoteAddrFrom(ctx)
	if !ok {
		return User{}, NewError(ErrKindBadUser, nil)
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return user, nil
		}
	}
	return User{}, NewError(ErrKindBadUser, nil)
}
