package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ssokit/ssokit/storage"
)

// ============================================================
// ConsumerStore Implementation
// ============================================================

// consumerJSON is the JSON representation of a consumer registration
type consumerJSON struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	Name       string `json:"name,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

func toConsumerJSON(consumer *storage.Consumer) *consumerJSON {
	return &consumerJSON{
		PublicKey:  consumer.PublicKey,
		PrivateKey: consumer.PrivateKey,
		Name:       consumer.Name,
		CreatedAt:  consumer.CreatedAt.Unix(),
	}
}

func fromConsumerJSON(j *consumerJSON) *storage.Consumer {
	if j == nil {
		return nil
	}
	return &storage.Consumer{
		PublicKey:  j.PublicKey,
		PrivateKey: j.PrivateKey,
		Name:       j.Name,
		CreatedAt:  time.Unix(j.CreatedAt, 0).UTC(),
	}
}

// SaveConsumer saves a consumer registration with optional encryption of the
// private key
func (s *Store) SaveConsumer(ctx context.Context, consumer *storage.Consumer) error {
	if consumer == nil || consumer.PublicKey == "" {
		return fmt.Errorf("invalid consumer")
	}

	if err := validateStringLength(consumer.PublicKey, MaxIDLength, "publicKey"); err != nil {
		return err
	}

	stored := *consumer
	enc := s.getEncryptor()
	if enc != nil && enc.IsEnabled() {
		encrypted, err := enc.Encrypt(consumer.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to encrypt consumer private key: %w", err)
		}
		stored.PrivateKey = encrypted
	}

	data, err := json.Marshal(toConsumerJSON(&stored))
	if err != nil {
		return fmt.Errorf("failed to marshal consumer: %w", err)
	}

	key := s.consumerKey(consumer.PublicKey)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save consumer: %w", err)
	}

	s.logger.Debug("Saved consumer", "public_key", consumer.PublicKey, "name", consumer.Name)
	return nil
}

// GetConsumer retrieves a consumer by its public key and decrypts the private
// key if necessary
func (s *Store) GetConsumer(ctx context.Context, publicKey string) (*storage.Consumer, error) {
	key := s.consumerKey(publicKey)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			// Generic error to prevent consumer enumeration
			return nil, storage.ErrConsumerNotFound
		}
		return nil, fmt.Errorf("failed to get consumer: %w", err)
	}

	var j consumerJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consumer: %w", err)
	}

	consumer := fromConsumerJSON(&j)

	enc := s.getEncryptor()
	if enc != nil && enc.IsEnabled() {
		decrypted, err := enc.Decrypt(consumer.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt consumer private key: %w", err)
		}
		consumer.PrivateKey = decrypted
	}

	return consumer, nil
}

// DeleteConsumer removes a consumer and cascades to all its tokens
func (s *Store) DeleteConsumer(ctx context.Context, publicKey string) error {
	key := s.consumerKey(publicKey)

	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete consumer: %w", err)
	}
	if deleted == 0 {
		return storage.ErrConsumerNotFound
	}

	cascaded, err := s.DeleteByConsumer(ctx, publicKey)
	if err != nil {
		return fmt.Errorf("failed to cascade consumer deletion: %w", err)
	}

	s.logger.Debug("Deleted consumer", "public_key", publicKey, "tokens_cascaded", cascaded)
	return nil
}

// ListConsumers lists all registered consumers
func (s *Store) ListConsumers(ctx context.Context) ([]*storage.Consumer, error) {
	// Use SCAN to iterate over all consumer keys
	pattern := s.consumerKey("*")

	// Use a map to deduplicate results (SCAN can return duplicates across iterations)
	consumerMap := make(map[string]*storage.Consumer)
	enc := s.getEncryptor()

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan consumers: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := consumerMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // Key may have been deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get consumer %s: %w", key, err)
			}

			var j consumerJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal consumer, skipping",
					"key", key,
					"error", err)
				continue
			}

			consumer := fromConsumerJSON(&j)
			if enc != nil && enc.IsEnabled() {
				decrypted, err := enc.Decrypt(consumer.PrivateKey)
				if err != nil {
					return nil, fmt.Errorf("failed to decrypt consumer private key: %w", err)
				}
				consumer.PrivateKey = decrypted
			}

			consumerMap[key] = consumer
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	consumers := make([]*storage.Consumer, 0, len(consumerMap))
	for _, c := range consumerMap {
		consumers = append(consumers, c)
	}

	return consumers, nil
}
