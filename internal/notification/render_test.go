package notification

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/nao1215/ordernotify/pkg/event"
)

func TestRenderContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data Data
		want string
	}{
		{
			name: "注文確定の本文が描画されること",
			data: Data{Type: KindOrderPlaced, OrderID: "o-1"},
			want: "Your order #o-1 has been placed successfully.",
		},
		{
			name: "合計金額が小数点以下2桁で描画されること",
			data: Data{Type: KindOrderPlaced, OrderID: "o-1", TotalAmount: json.Number("12.5")},
			want: "Your order #o-1 has been placed successfully. Total amount: $12.50",
		},
		{
			name: "ステータス変更の本文が描画されること",
			data: Data{Type: KindOrderStatusChanged, OrderID: "o-2", OldStatus: "processing", NewStatus: "shipped"},
			want: "Your order #o-2 status has been updated from processing to shipped.",
		},
		{
			name: "キャンセルの本文が描画されること",
			data: Data{Type: KindOrderCancelled, OrderID: "o-3"},
			want: "Your order #o-3 has been cancelled.",
		},
		{
			name: "発送の本文に追跡番号が含まれること",
			data: Data{Type: KindOrderShipped, OrderID: "o-4", TrackingNumber: "TRK9"},
			want: "Your order #o-4 has been shipped. Tracking number: TRK9.",
		},
		{
			name: "カスタム通知は本文をそのまま使うこと",
			data: Data{Type: KindCustom, Content: "セール開始"},
			want: "セール開始",
		},
		{
			name: "カスタム通知の本文が空なら既定の本文になること",
			data: Data{Type: KindCustom},
			want: defaultContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := RenderContent(tt.data)
			if err != nil {
				t.Fatalf("RenderContent() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RenderContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderEmail(t *testing.T) {
	t.Parallel()

	t.Run("件名と明細がHTMLに含まれること", func(t *testing.T) {
		t.Parallel()

		r := Record{
			Content: "Your order #o-1 has been placed successfully.",
			Data: Data{
				Type:    KindOrderPlaced,
				Subject: "Order Confirmation",
				Items:   []event.Item{{ProductID: "p-<1>", Quantity: 2, UnitPrice: json.Number("3")}},
			},
		}
		subject, html, err := RenderEmail(r)
		if err != nil {
			t.Fatalf("RenderEmail() error = %v", err)
		}
		if subject != "Order Confirmation" {
			t.Errorf("subject = %q, want %q", subject, "Order Confirmation")
		}
		if !strings.Contains(html, "$3.00") {
			t.Errorf("単価が含まれていない: %s", html)
		}
		if !strings.Contains(html, "p-&lt;1&gt;") {
			t.Errorf("商品IDがエスケープされていない: %s", html)
		}
	})

	t.Run("件名が無い場合は既定の件名になること", func(t *testing.T) {
		t.Parallel()

		subject, _, err := RenderEmail(Record{Content: "hello", Data: Data{Type: KindCustom}})
		if err != nil {
			t.Fatalf("RenderEmail() error = %v", err)
		}
		if subject != defaultEmailSubject {
			t.Errorf("subject = %q, want %q", subject, defaultEmailSubject)
		}
	})
}

func TestDataFromEvent(t *testing.T) {
	t.Parallel()

	e := event.NewOrderEvent(event.TypeOrderStatusChanged, "o-1", "u-1", nil)
	e.OldStatus = "pending"
	e.NewStatus = "processing"

	d := DataFromEvent(e)
	if d.Type != KindOrderStatusChanged {
		t.Errorf("Type = %q, want %q", d.Type, KindOrderStatusChanged)
	}
	if d.Subject != "Order Status Update" {
		t.Errorf("Subject = %q", d.Subject)
	}
	if d.OldStatus != "pending" || d.NewStatus != "processing" {
		t.Errorf("ステータスが引き継がれていない: %+v", d)
	}
}
