package outlook

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/sqs/go-xoauth2"
)

// xoauth2Response is the base64 SASL initial response for XOAUTH2:
// "user=<user>\x01auth=Bearer <token>\x01\x01".
func xoauth2Response(user, accessToken string) string {
	return base64.StdEncoding.EncodeToString([]byte(xoauth2.OAuth2String(user, accessToken)))
}

// Authenticate performs XOAUTH2 authentication using an access token. It is
// never retried; a rejection is reported as an *AuthError.
func (c *Conn) Authenticate(ctx context.Context, user string, accessToken string) error {
	err := c.Exec(ctx, "AUTHENTICATE XOAUTH2 "+xoauth2Response(user, accessToken), nil)
	var ce *CommandError
	if errors.As(err, &ce) {
		return &AuthError{Mailbox: user, Reason: AuthRejected, Err: err}
	}
	if err != nil {
		return err
	}
	c.Username = user
	return nil
}
