package alert

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingDispatcherPriorityAndTitle(t *testing.T) {
	mock := NewMockChannel("mock")
	d := NewRoutingDispatcher(NewManager([]Channel{mock}, time.Minute), nil)

	var handled []string
	d.RegisterHandler(TypeForcedSell, func(alertType string, data map[string]interface{}) {
		handled = append(handled, alertType)
	})

	ok := d.Dispatch(TypeForcedSell, "", "force close FPT", map[string]interface{}{"symbol": "FPT", "quantity": 100})
	require.True(t, ok)
	require.Equal(t, 1, mock.Count())

	a := mock.GetAlerts()[0]
	assert.Equal(t, PriorityUrgent, a.Priority)
	assert.Equal(t, LevelCritical, a.Level)
	assert.Equal(t, "[FPT] Forced Sell", a.Title)
	assert.Equal(t, []string{"rotating_light", "sos"}, a.Tags)
	assert.Equal(t, []string{TypeForcedSell}, handled)

	// 同一消息在限流窗口内不重复送达
	assert.False(t, d.Dispatch(TypeForcedSell, "", "force close FPT", map[string]interface{}{"symbol": "FPT"}))

	d.SetPriority(TypeOrderExecuted, PriorityLow)
	require.True(t, d.Dispatch(TypeOrderExecuted, "", "filled", nil))
	assert.Equal(t, LevelInfo, mock.GetAlerts()[1].Level)
	assert.Equal(t, "Order Executed", mock.GetAlerts()[1].Title)
}

func TestNtfyChannelSend(t *testing.T) {
	var gotPath, gotBody string
	var gotHeader http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer ts.Close()

	ch := NewNtfyChannel(ts.URL+"/", "vn-exec", "")
	ch.HTTPClient = ts.Client()
	err := ch.Send(Alert{
		Title:    "[FPT] Margin Warning",
		Priority: PriorityHigh,
		Tags:     []string{"warning"},
		Message:  "margin used 71.25%",
		Fields:   map[string]interface{}{"used_pct": "0.7125", "capacity": "4000000"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/vn-exec", gotPath)
	assert.Equal(t, "high", gotHeader.Get("Priority"))
	assert.Equal(t, "warning", gotHeader.Get("Tags"))
	assert.Equal(t, "[FPT] Margin Warning", gotHeader.Get("Title"))
	assert.True(t, strings.HasPrefix(gotBody, "margin used 71.25%\ncapacity: 4000000\nused_pct: 0.7125"), gotBody)
}

func TestNtfyChannelErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	ch := NewNtfyChannel(ts.URL, "t", "secret")
	ch.HTTPClient = ts.Client()
	assert.Error(t, ch.Send(Alert{Message: "x"}))
}

func TestTelegramChannelSend(t *testing.T) {
	var sent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"exec","username":"exec_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			require.NoError(t, r.ParseForm())
			sent = r.FormValue("text")
			assert.Equal(t, "42", r.FormValue("chat_id"))
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	ch, err := NewTelegramChannel("TOKEN", 42, ts.URL+"/bot%s/%s")
	require.NoError(t, err)
	require.NoError(t, ch.Send(Alert{Level: LevelWarning, Title: "Margin Warning", Message: "used 71%"}))
	assert.Contains(t, sent, "[WARNING] Margin Warning")
	assert.Contains(t, sent, "used 71%")
}

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder()
	r.Dispatch(TypeMarginWarning, PriorityHigh, "a", nil)
	r.Dispatch(TypeMarginWarning, PriorityHigh, "b", nil)
	r.Dispatch(TypeOrderFailed, "", "c", nil)
	assert.Equal(t, 2, r.Count(TypeMarginWarning))
	assert.Len(t, r.Events(), 3)
}
