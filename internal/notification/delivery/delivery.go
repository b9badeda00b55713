// Package delivery は通知を外部チャネル（メール、SMS）へ送信するトランスポートを提供する。
//
// 送信失敗は *Error で返し、Transient で再試行してよい失敗かを区別する。
package delivery

import (
	"context"
	"errors"
	"fmt"
)

// ErrDelivery は通知の送信に失敗したことを表す。
var ErrDelivery = errors.New("通知の送信に失敗")

// Error は送信失敗の詳細。
type Error struct {
	// Channel は送信先チャネル。
	Channel string
	// Transient は時間をおいて再試行すれば成功しうるか。
	Transient bool
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *Error) Error() string {
	kind := "恒久的"
	if e.Transient {
		kind = "一時的"
	}
	return fmt.Sprintf("%v: %s (%s): %v", ErrDelivery, e.Channel, kind, e.Err)
}

// Unwrap はerrors.Isで ErrDelivery と原因の両方に一致させる。
func (e *Error) Unwrap() []error {
	return []error{ErrDelivery, e.Err}
}

// IsTransient はerrが一時的な送信失敗かを返す。*Error以外は一時的とみなす。
func IsTransient(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Transient
	}
	return err != nil
}

func transient(channel string, err error) error {
	return &Error{Channel: channel, Transient: true, Err: err}
}

func permanent(channel string, err error) error {
	return &Error{Channel: channel, Transient: false, Err: err}
}

// EmailTransport はメールを送信する。
type EmailTransport interface {
	// Send はtoへ件名subject、HTML本文htmlのメールを送る。
	Send(ctx context.Context, to, subject, html string) error
}

// SMSTransport はSMSを送信する。
type SMSTransport interface {
	// Send はtoへ本文bodyのSMSを送る。
	Send(ctx context.Context, to, body string) error
}
