package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

type recordingSlackSender struct {
	channel string
	content string
	err     error
}

func (s *recordingSlackSender) Send(_ context.Context, channel, content string) error {
	s.channel = channel
	s.content = content
	return s.err
}

type recordingDingTalkSender struct {
	content string
}

func (s *recordingDingTalkSender) Send(_ context.Context, content string) error {
	s.content = content
	return nil
}

func testEvent() Event {
	return Event{
		Code:          xerrors.Code("SETTLEMENT_FAILED"),
		Message:       "chain transaction reverted",
		Severity:      xerrors.SeverityWarning,
		SessionID:     "sess-1",
		TransactionID: "tx-1",
		AgentID:       "agent-b",
		Amount:        40_000,
		OccurredAt:    time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFanoutBroadcastsToAllChannels(t *testing.T) {
	slack := &recordingSlackSender{}
	ding := &recordingDingTalkSender{}
	dispatcher := NewFanout(
		&SlackNotifier{Sender: slack, ChannelID: "ops"},
		&DingTalkNotifier{Sender: ding},
	)

	if err := dispatcher.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if slack.channel != "ops" || !strings.Contains(slack.content, "tx-1") {
		t.Fatalf("slack message incomplete: %q", slack.content)
	}
	if !strings.Contains(ding.content, "SETTLEMENT_FAILED") {
		t.Fatalf("dingtalk message missing code: %q", ding.content)
	}
}

func TestFanoutCollectsChannelErrors(t *testing.T) {
	failure := errors.New("webhook unreachable")
	slack := &recordingSlackSender{err: failure}
	dispatcher := NewFanout(&SlackNotifier{Sender: slack, ChannelID: "ops"})

	err := dispatcher.Notify(context.Background(), testEvent())
	if !errors.Is(err, failure) {
		t.Fatalf("expected channel error to surface, got %v", err)
	}
}

func TestUnconfiguredNotifierIsSkipped(t *testing.T) {
	dispatcher := NewFanout(&SlackNotifier{}, &DingTalkNotifier{}, nil)
	if err := dispatcher.Notify(context.Background(), testEvent()); err != nil {
		t.Fatalf("unconfigured notifiers must be no-ops, got %v", err)
	}
}
