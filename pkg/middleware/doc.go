// Package middleware は通知サービスのHTTP APIで使用するGinミドルウェアを提供する。
//
// JWT認証トークンの検証、リクエストログ、メトリクス計測、パニックリカバリ、
// CORS設定を含む。
package middleware
