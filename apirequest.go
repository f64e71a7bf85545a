package corestream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arloliu/corestream/internal/natsutil"
)

// apiRequest marshals payload to JSON, sends it as a request on
// "<c.apiPrefix>.<suffix>", waits for the reply until ctx is done, and
// decodes the reply into out (which may be nil if the caller only
// cares whether the request succeeded).
//
// A non-nil apiResponse.Error in the reply is translated into a KindErr
// StatusError carrying the server's err_code and description. Transport
// timeouts and no-responders are translated to the matching ErrorKind.
func (c *Ctx) apiRequest(ctx context.Context, suffix string, payload any, out any) error {
	subject := c.apiPrefix + "." + suffix

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return wrapStatusError(KindInvalidArg, "failed to marshal request payload", err)
		}
		body = b
	}

	wait := c.wait
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			wait = d
		}
	}

	msg, err := c.conn.RequestWithContext(ctx, subject, body)
	if err != nil {
		switch {
		case natsutil.IsNoResponders(err):
			return wrapStatusError(KindNoResponders, fmt.Sprintf("no responders for %s", subject), err)
		case natsutil.IsTimeout(err):
			return wrapStatusError(KindTimeout, fmt.Sprintf("request to %s timed out after %s", subject, wait), err)
		default:
			return wrapStatusError(KindErr, fmt.Sprintf("request to %s failed", subject), err)
		}
	}

	var env apiResponse
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return wrapStatusError(KindErr, "failed to decode response envelope", err)
		}
	}
	if env.Error != nil {
		code := env.Error.ErrCode
		if code == 0 {
			code = env.Error.Code
		}

		return newErrCodeError(code, env.Error.Description)
	}

	if out != nil && len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, out); err != nil {
			return wrapStatusError(KindErr, "failed to decode response payload", err)
		}
	}

	return nil
}
