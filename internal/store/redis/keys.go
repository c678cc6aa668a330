package redis

import "reliable-queue/internal/job"

const keyPrefix = "rq:"

// seqKey is the counter that orders envelopes by enqueue.
const seqKey = keyPrefix + "seq"

// jobPrefix + id holds the envelope hash.
const jobPrefix = keyPrefix + "job:"

func jobKey(id string) string { return jobPrefix + id }

func topicKey(topic, suffix string) string { return keyPrefix + "topic:" + topic + ":" + suffix }

// readyKey scores pending envelopes that are due by enqueue sequence.
func readyKey(topic string) string { return topicKey(topic, "ready") }

// delayedKey scores pending envelopes by not_before (unix ms).
func delayedKey(topic string) string { return topicKey(topic, "delayed") }

// leasedKey scores leased envelopes by lease_expiry (unix ms).
func leasedKey(topic string) string { return topicKey(topic, "leased") }

// statusKey indexes envelopes of one status by enqueue sequence.
func statusKey(topic string, status job.Status) string {
	return topicKey(topic, "status:"+string(status))
}

func valueKey(key string) string { return keyPrefix + "kv:" + key }
