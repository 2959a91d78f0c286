// Package queue contains the background consumer that listens to the
// security.events queue and writes an audit trail to logs/security.log.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// StartSecurityConsumer connects to RabbitMQ, declares the security queue
// (durable) and appends each event as one line to security.log inside
// logDir.  It runs a reconnect loop and never returns; malformed messages
// are logged and rejected so the server continues operating.
func StartSecurityConsumer(url, logDir string) {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Printf("security-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := consumeLoop(conn, logDir); err != nil {
			log.Printf("security-consumer: consume loop ended: %v; reconnecting", err)
			_ = conn.Close()
			time.Sleep(2 * time.Second)
		}
	}
}

func consumeLoop(conn *amqp.Connection, logDir string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Printf("security-consumer: set QoS failed: %v", err)
	}
	if _, err := ch.QueueDeclare(SecurityQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(SecurityQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		if err := HandleMessage(logDir, d.Body); err != nil {
			log.Printf("security-consumer: handle message failed: %v", err)
			_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

// HandleMessage decodes one event and appends it to logDir/security.log.
func HandleMessage(logDir string, body []byte) error {
	var ev SecurityEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" {
		return errors.New("event type is empty")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "security.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatEvent(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatEvent renders ev as a single line terminated by a newline.  Only
// populated fields are written.
func FormatEvent(ev SecurityEvent) string {
	parts := []string{fmt.Sprintf("[%s] %s", ev.OccurredAt, ev.Type)}
	if ev.AccountID != 0 {
		parts = append(parts, fmt.Sprintf("account_id=%d", ev.AccountID))
	}
	if ev.SessionID != 0 {
		parts = append(parts, fmt.Sprintf("session_id=%d", ev.SessionID))
	}
	if ev.Kind != "" {
		parts = append(parts, "kind="+ev.Kind)
	}
	if ev.IP != "" {
		parts = append(parts, "ip="+ev.IP)
	}
	if ev.Table != "" {
		parts = append(parts, fmt.Sprintf("row=%s/%d", ev.Table, ev.RowID))
	}
	if ev.Reason != "" {
		parts = append(parts, fmt.Sprintf("reason=%q", ev.Reason))
	}
	return strings.Join(parts, " | ") + "\n"
}
