// Package httpclient は外部サービスへJSONでHTTPリクエストを送るクライアントを提供する。
//
// 通知サービスではHTTPメールAPIへの送信に使用する。2xx以外の応答は
// *StatusError として返し、呼び出し側は Temporary で再試行の可否を判断する。
package httpclient
