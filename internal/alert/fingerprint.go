package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ResolveFingerprint returns the alert identity used for delivery dedupe:
// the explicit fingerprint, then the notify_fingerprint label, then a content
// hash over labels, annotations and startsAt.
func ResolveFingerprint(a *Alert) string {
	if a.Fingerprint != "" {
		return a.Fingerprint
	}
	if fp := a.Labels[LabelNotifyFingerprint]; fp != "" {
		return fp
	}
	return ContentHash(a)
}

// ContentHash hashes the structural content of an alert so that two
// identical alerts collapse to one fingerprint. encoding/json sorts map keys,
// which makes the encoding canonical.
func ContentHash(a *Alert) string {
	labels := a.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	annotations := a.Annotations
	if annotations == nil {
		annotations = map[string]string{}
	}

	base, _ := json.Marshal(struct {
		Annotations map[string]string `json:"annotations"`
		Labels      map[string]string `json:"labels"`
		StartsAt    string            `json:"startsAt"`
	}{annotations, labels, a.StartsAt})

	sum := sha256.Sum256(base)
	return hex.EncodeToString(sum[:])
}
