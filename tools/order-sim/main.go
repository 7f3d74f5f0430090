package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/orderpipe/libs/events"
	"github.com/md-rashed-zaman/orderpipe/libs/kafkax"
	"github.com/segmentio/kafka-go"
)

func main() {
	var (
		baseURL   = flag.String("base-url", getenv("BASE_URL", "http://localhost:8080"), "order-service base url")
		count     = flag.Int("count", 1, "orders to create")
		customer  = flag.String("customer-id", getenv("CUSTOMER_ID", "C1"), "customerId")
		product   = flag.String("product-id", getenv("PRODUCT_ID", "P1"), "productId")
		quantity  = flag.Int("quantity", 3, "quantity per order")
		price     = flag.String("price", "10.00", "unit price")
		malformed = flag.Bool("malformed", false, "also write one undecodable message straight to kafka")
		brokers   = flag.String("kafka-brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "kafka brokers for -malformed")
	)
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	for i := 0; i < *count; i++ {
		body, err := json.Marshal(map[string]any{
			"customerId": *customer,
			"productId":  *product,
			"quantity":   *quantity,
			"price":      *price,
		})
		if err != nil {
			fatal(err.Error())
		}
		resp, err := client.Post(strings.TrimRight(*baseURL, "/")+"/v1/orders", "application/json", bytes.NewReader(body))
		if err != nil {
			fatal(err.Error())
		}
		var created struct {
			OrderID string `json:"orderId"`
			Error   string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&created)
		resp.Body.Close()
		fmt.Printf("status=%d order_id=%s %s\n", resp.StatusCode, created.OrderID, created.Error)
	}

	if *malformed {
		if err := writeMalformed(*brokers); err != nil {
			fatal(err.Error())
		}
		fmt.Println("malformed message written to", events.TopicOrderCreated)
	}
}

func writeMalformed(brokers string) error {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(kafkax.SplitBrokers(brokers)...),
		Topic:                  events.TopicOrderCreated,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	defer w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{
		Value:   []byte(`{"orderId":`),
		Headers: kafkax.EventMeta{EventID: "order-sim-malformed", EventType: events.TopicOrderCreated}.Headers(),
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
