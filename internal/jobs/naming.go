package jobs

import (
	"crypto/sha1" //nolint:gosec // collision resistance, not secrecy
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// maxJobNameLength is the Kubernetes limit for Job names (DNS-1123 label).
	maxJobNameLength = 63

	syncJobPrefix    = "sync"
	cleanupJobPrefix = "cleanup"
)

var (
	invalidDNSChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashes  = regexp.MustCompile(`-+`)
)

// SanitizeDNS lowercases text and replaces anything outside [a-z0-9-] so the
// result is usable as a Kubernetes resource name or a directory name.
func SanitizeDNS(text string) string {
	text = strings.ToLower(text)
	text = invalidDNSChars.ReplaceAllString(text, "-")
	text = repeatedDashes.ReplaceAllString(text, "-")
	return strings.Trim(text, "-")
}

// ProjectNameFromURL derives a default project name from a repository URL.
func ProjectNameFromURL(repoURL string) string {
	name := repoURL
	if idx := strings.LastIndexAny(name, "/:"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, ".git")
	return SanitizeDNS(name)
}

// SyncJobName generates a unique Job name for a clone/sync of the given
// repository. The millisecond timestamp keeps a new Job from colliding with a
// still-terminating prior Job; the short hash ties the name back to the
// source. Names are capped at the Kubernetes 63 character limit, shortening
// the project part first so the timestamp and hash always survive.
func SyncJobName(projectName, repoURL, commitID string, now time.Time) string {
	return jobName(syncJobPrefix, projectName, repoURL, commitID, now)
}

// CleanupJobName generates a unique Job name for removing a repository's
// on-disk clone.
func CleanupJobName(projectName, pvcPath string, now time.Time) string {
	return jobName(cleanupJobPrefix, projectName, pvcPath, "", now)
}

func jobName(prefix, projectName, seed, extra string, now time.Time) string {
	sum := sha1.Sum([]byte(seed + ":" + extra)) //nolint:gosec
	shortHash := hex.EncodeToString(sum[:])[:8]
	timestamp := fmt.Sprintf("%d", now.UnixMilli())

	project := SanitizeDNS(projectName)
	full := fmt.Sprintf("%s-%s-%s-%s", prefix, project, timestamp, shortHash)
	if len(full) <= maxJobNameLength {
		return full
	}

	// Shorten the project part; prefix, timestamp and hash are fixed size.
	excess := len(full) - maxJobNameLength
	if excess >= len(project) {
		project = ""
	} else {
		project = strings.TrimRight(project[:len(project)-excess], "-")
	}
	full = fmt.Sprintf("%s-%s-%s-%s", prefix, project, timestamp, shortHash)
	full = repeatedDashes.ReplaceAllString(full, "-")
	if len(full) > maxJobNameLength {
		full = full[:maxJobNameLength]
	}
	return strings.TrimRight(full, "-")
}
