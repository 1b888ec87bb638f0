package monitor

import (
	"github.com/alimk/seizuresafe/pkg/history"
	"github.com/alimk/seizuresafe/pkg/models"
)

// Handler receives the client's outbound events. Methods run on the
// client's event goroutine, in event order, and must not block.
type Handler interface {
	OnConnectionStateChanged(state models.ConnectionState)
	OnSampleReceived(sample models.TelemetrySample)
	OnHistoryUpdated(view history.View)
	// OnAlertRaised is the trigger for notification, audio or dialog side
	// effects. The sample is the one that raised the alert.
	OnAlertRaised(sample models.TelemetrySample)
	OnAlertCleared()
}

// HandlerFuncs adapts optional callbacks to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	ConnectionStateChanged func(models.ConnectionState)
	SampleReceived         func(models.TelemetrySample)
	HistoryUpdated         func(history.View)
	AlertRaised            func(models.TelemetrySample)
	AlertCleared           func()
}

func (f HandlerFuncs) OnConnectionStateChanged(s models.ConnectionState) {
	if f.ConnectionStateChanged != nil {
		f.ConnectionStateChanged(s)
	}
}

func (f HandlerFuncs) OnSampleReceived(s models.TelemetrySample) {
	if f.SampleReceived != nil {
		f.SampleReceived(s)
	}
}

func (f HandlerFuncs) OnHistoryUpdated(v history.View) {
	if f.HistoryUpdated != nil {
		f.HistoryUpdated(v)
	}
}

func (f HandlerFuncs) OnAlertRaised(s models.TelemetrySample) {
	if f.AlertRaised != nil {
		f.AlertRaised(s)
	}
}

func (f HandlerFuncs) OnAlertCleared() {
	if f.AlertCleared != nil {
		f.AlertCleared()
	}
}

// Handlers fans every event out to each handler in order.
type Handlers []Handler

func (hs Handlers) OnConnectionStateChanged(s models.ConnectionState) {
	for _, h := range hs {
		h.OnConnectionStateChanged(s)
	}
}

func (hs Handlers) OnSampleReceived(s models.TelemetrySample) {
	for _, h := range hs {
		h.OnSampleReceived(s)
	}
}

func (hs Handlers) OnHistoryUpdated(v history.View) {
	for _, h := range hs {
		h.OnHistoryUpdated(v)
	}
}

func (hs Handlers) OnAlertRaised(s models.TelemetrySample) {
	for _, h := range hs {
		h.OnAlertRaised(s)
	}
}

func (hs Handlers) OnAlertCleared() {
	for _, h := range hs {
		h.OnAlertCleared()
	}
}
