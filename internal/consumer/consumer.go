// Package consumer seeds interview sessions from the matching service's
// RabbitMQ queue. Each message is one confirmed match; the session insert
// is idempotent on room id, so redelivered messages are harmless.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/peercode/collab/internal/db"
)

const (
	DefaultQueue = "match_results"

	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// MatchResult is the message published by the matching service when two
// users are paired.
type MatchResult struct {
	RoomID      string `json:"roomId"`
	UserOne     string `json:"userOne"`
	UsernameOne string `json:"usernameOne"`
	UserTwo     string `json:"userTwo"`
	UsernameTwo string `json:"usernameTwo"`
	Question    struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"question"`
	Language string `json:"programmingLanguage"`
}

type Consumer struct {
	url      string
	queue    string
	database *db.Database
}

func New(url, queue string, database *db.Database) *Consumer {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Consumer{
		url:      url,
		queue:    queue,
		database: database,
	}
}

// Run consumes until the context is cancelled, redialing with capped
// backoff when the broker connection drops.
func (c *Consumer) Run(ctx context.Context) {
	backoff := reconnectBase
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("RabbitMQ consumer error: %v (retrying in %v)", err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	log.Printf("Consuming match results from queue %q", c.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handle(d.Body); err != nil {
				log.Printf("Error handling match result: %v", err)
				d.Nack(false, false)
				continue
			}
			d.Ack(false)
		}
	}
}

// handle decodes one match message and creates the session row.
func (c *Consumer) handle(body []byte) error {
	var result MatchResult
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode match result: %w", err)
	}
	if result.RoomID == "" || result.UserOne == "" || result.UserTwo == "" {
		return fmt.Errorf("match result missing required fields")
	}

	session := db.Session{
		RoomID:          result.RoomID,
		UserOne:         result.UserOne,
		UsernameOne:     result.UsernameOne,
		UserTwo:         result.UserTwo,
		UsernameTwo:     result.UsernameTwo,
		QuestionTitle:   result.Question.Title,
		QuestionContent: result.Question.Content,
		Language:        result.Language,
	}
	if err := c.database.CreateSession(session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	log.Printf("Seeded session for room %s (%s vs %s)", result.RoomID, result.UsernameOne, result.UsernameTwo)
	return nil
}
