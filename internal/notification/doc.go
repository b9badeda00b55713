// Package notification は注文イベントを通知として保存し、各チャネルへ配信する。
//
// Consumer がブローカーから受信したイベントを OrderEventHandler に渡し、
// チャネル（email, in-app, sms）ごとに1件ずつ通知レコードを作成する。
// 同じ注文とイベント種別の組は重複排除キーで1回だけ保存される。
// アプリ内通知は保存した時点で配信済みとし、それ以外は DeliveryWorker が
// 定期的に取り出して送信する。送信に成功するまで配信済みにはならない。
//
// Server はユーザー向けの通知一覧、既読管理、通知設定のHTTP APIを提供する。
package notification
