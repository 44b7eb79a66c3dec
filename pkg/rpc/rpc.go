// Package rpc implements the command-wrapper envelope every GUI RPC
// command returns: {code, msg, data}, with
// only MessageError/MessageCodeError surfaced verbatim.
package rpc

import (
	"errors"
	"log/slog"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// Envelope is the wire shape of every command response.
type Envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data,omitempty"`
}

const maskedMsg = "系统异常"

// Wrap runs fn and converts any error into the command envelope, masking
// everything except user-facing error kinds, and logging everything else.
func Wrap[T any](fn func() (T, error)) Envelope[T] {
	data, err := fn()
	if err == nil {
		return Envelope[T]{Code: 0, Msg: "ok", Data: data}
	}

	var ae *apperror.AppError
	if errors.As(err, &ae) && apperror.IsUserFacing(err) {
		code := 1
		if ae.Kind == apperror.KindMessageCode {
			code = ae.Code
		}
		return Envelope[T]{Code: code, Msg: ae.Msg}
	}

	slog.Error("command failed", "error", err)
	return Envelope[T]{Code: 1, Msg: maskedMsg}
}
