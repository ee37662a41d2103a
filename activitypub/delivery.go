package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// deliveryBackoff is the retry schedule in minutes, indexed by attempt.
var deliveryBackoff = []int{1, 5, 15, 60, 240, 1440}

const maxDeliveryAttempts = 10

// Deliverer signs and posts activities to remote inboxes. A failed
// delivery to one peer never aborts delivery to others: Deliver
// reports false instead of raising.
type Deliverer struct {
	store       Store
	system      *SystemAccount
	conf        *util.AppConfig
	client      *http.Client
	concurrency int
}

func NewDeliverer(store Store, system *SystemAccount, conf *util.AppConfig) *Deliverer {
	concurrency := conf.Conf.DeliveryConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Deliverer{
		store:       store,
		system:      system,
		conf:        conf,
		client:      &http.Client{Timeout: 30 * time.Second},
		concurrency: concurrency,
	}
}

// Deliver posts one activity to one inbox. The activity bytes must be
// final: the Digest header is computed over exactly these bytes and
// the signature covers the digest.
func (d *Deliverer) Deliver(activityJSON []byte, inboxURI, keyId, privateKeyPem string) bool {
	req, err := http.NewRequest("POST", inboxURI, bytes.NewReader(activityJSON))
	if err != nil {
		log.Warnf("Delivery: failed to create request for %s: %v", inboxURI, err)
		return false
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", Digest(activityJSON))

	privateKey, err := ParsePrivateKey(privateKeyPem)
	if err != nil {
		log.Warnf("Delivery: failed to parse private key for %s: %v", keyId, err)
		return false
	}
	if err := SignRequest(req, privateKey, keyId); err != nil {
		log.Warnf("Delivery: failed to sign request to %s: %v", inboxURI, err)
		return false
	}

	resp, err := d.client.Do(req)
	if err != nil {
		log.Warnf("Delivery: request to %s failed: %v", inboxURI, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warnf("Delivery: %s returned status %d", inboxURI, resp.StatusCode)
		return false
	}

	return true
}

// DeliverAll fans an activity out to many recipients. Recipients are
// deduplicated by inbox URL, preferring shared inboxes, and posted to
// with a bounded concurrency window so one slow peer cannot block the
// rest. Returns the number of successful posts.
func (d *Deliverer) DeliverAll(activityJSON []byte, recipients []*domain.RemoteAccount, keyId, privateKeyPem string) int {
	inboxes := UniqueInboxes(recipients)
	if len(inboxes) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, d.concurrency)
	var mu sync.Mutex
	delivered := 0

	for _, inbox := range inboxes {
		wg.Add(1)
		sem <- struct{}{}
		go func(inbox string) {
			defer wg.Done()
			defer func() { <-sem }()
			if d.Deliver(activityJSON, inbox, keyId, privateKeyPem) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(inbox)
	}
	wg.Wait()

	log.Infof("Delivery: fan-out reached %d/%d inboxes", delivered, len(inboxes))
	return delivered
}

// UniqueInboxes collapses recipients to their delivery inboxes,
// shared-inbox-preferred, dropping duplicates while keeping order.
func UniqueInboxes(recipients []*domain.RemoteAccount) []string {
	seen := make(map[string]bool, len(recipients))
	var inboxes []string
	for _, acc := range recipients {
		inbox := acc.BestInbox()
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		inboxes = append(inboxes, inbox)
	}
	return inboxes
}

// Enqueue stores an activity for asynchronous delivery with retry.
func (d *Deliverer) Enqueue(activity map[string]interface{}, inboxURI, keyId string) error {
	activityJSON, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	return d.store.EnqueueDelivery(&domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     inboxURI,
		ActivityJSON: string(activityJSON),
		KeyId:        keyId,
		Attempts:     0,
		NextRetryAt:  time.Now(),
		CreatedAt:    time.Now(),
	})
}

// StartDeliveryWorker drains the delivery queue on a ticker, retrying
// failures with exponential backoff and dropping items after
// maxDeliveryAttempts.
func (d *Deliverer) StartDeliveryWorker(interval time.Duration) {
	log.Infof("Starting delivery worker...")

	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			d.processQueue()
		}
	}()
}

func (d *Deliverer) processQueue() {
	err, items := d.store.ReadPendingDeliveries(50)
	if err != nil {
		log.Warnf("DeliveryWorker: failed to read queue: %v", err)
		return
	}
	if items == nil || len(*items) == 0 {
		return
	}

	log.Infof("DeliveryWorker: processing %d pending deliveries", len(*items))

	for _, item := range *items {
		privateKeyPem, err := d.keyFor(item.KeyId)
		if err != nil {
			log.Warnf("DeliveryWorker: dropping item for unknown key %s: %v", item.KeyId, err)
			d.store.DeleteDelivery(item.Id)
			continue
		}

		if d.Deliver([]byte(item.ActivityJSON), item.InboxURI, item.KeyId, privateKeyPem) {
			d.store.DeleteDelivery(item.Id)
			continue
		}

		item.Attempts++
		if item.Attempts >= maxDeliveryAttempts {
			log.Warnf("DeliveryWorker: giving up on delivery to %s after %d attempts", item.InboxURI, item.Attempts)
			d.store.DeleteDelivery(item.Id)
			continue
		}
		backoffMinutes := deliveryBackoff[min(item.Attempts-1, len(deliveryBackoff)-1)]
		nextRetry := time.Now().Add(time.Duration(backoffMinutes) * time.Minute)
		log.Warnf("DeliveryWorker: delivery to %s failed (attempt %d), retry in %dm", item.InboxURI, item.Attempts, backoffMinutes)
		d.store.UpdateDeliveryAttempt(item.Id, item.Attempts, nextRetry)
	}
}

// keyFor maps a stored keyId back to the signing key it names: either
// the system actor key or a local account's key.
func (d *Deliverer) keyFor(keyId string) (string, error) {
	if d.system != nil && keyId == d.system.KeyId() {
		return d.system.PrivateKeyPem(), nil
	}

	actorURI := strings.Split(keyId, "#")[0]
	parts := strings.Split(actorURI, "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("invalid keyId: %s", keyId)
	}
	username := parts[len(parts)-1]

	err, acc := d.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return "", fmt.Errorf("no local account for keyId %s", keyId)
	}
	return acc.WebPrivateKey, nil
}

// Envelope builders. Each produces a well-formed activity map with
// @context and the caller-supplied unique id; the caller marshals once
// and hands the bytes to Deliver.

func NewAccept(id, actorURI string, followObject map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       id,
		"type":     "Accept",
		"actor":    actorURI,
		"object":   followObject,
	}
}

func NewReject(id, actorURI string, followObject map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       id,
		"type":     "Reject",
		"actor":    actorURI,
		"object":   followObject,
	}
}

func NewFollow(id, actorURI, objectURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       id,
		"type":     "Follow",
		"actor":    actorURI,
		"object":   objectURI,
	}
}

func NewUndo(id, actorURI string, object map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       id,
		"type":     "Undo",
		"actor":    actorURI,
		"object":   object,
	}
}

func NewMove(id, actorURI, targetURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       id,
		"type":     "Move",
		"actor":    actorURI,
		"object":   actorURI,
		"target":   targetURI,
	}
}

func NewCreateNote(id, actorURI, noteURI, content string, published time.Time, followersURI string) map[string]interface{} {
	note := map[string]interface{}{
		"id":           noteURI,
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      content,
		"published":    published.Format(time.RFC3339),
		"to":           []string{"https://www.w3.org/ns/activitystreams#Public"},
		"cc":           []string{followersURI},
	}
	return map[string]interface{}{
		"@context":  "https://www.w3.org/ns/activitystreams",
		"id":        id,
		"type":      "Create",
		"actor":     actorURI,
		"published": published.Format(time.RFC3339),
		"to":        []string{"https://www.w3.org/ns/activitystreams#Public"},
		"cc":        []string{followersURI},
		"object":    note,
	}
}
