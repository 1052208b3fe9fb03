package runner

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/buildforge/foreman/internal/gitx"
	"github.com/buildforge/foreman/internal/store"
)

// screenshot collection settings for cosmetic-feature jobs.
var screenshotDirs = []string{"test-results", "playwright-report"}

const maxScreenshots = 20

func isScreenshot(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// collectScreenshots records image artifacts left by UI test runs as
// attachment rows. Only jobs on cosmetic-typed features collect.
func (r *Runner) collectScreenshots(job *store.AgentJob, wt *gitx.Worktree) {
	if job.FeatureID == nil {
		return
	}
	feature, err := r.Store.GetFeature(*job.FeatureID)
	if err != nil || feature == nil || feature.FeatureType == nil || *feature.FeatureType != "cosmetic" {
		return
	}

	paths := findScreenshots(wt.Path)
	for _, p := range paths {
		att := &store.Attachment{
			ID:        uuid.NewString(),
			FeatureID: job.FeatureID,
			JobID:     &job.ID,
			Kind:      "screenshot",
			Path:      p,
		}
		if err := r.Store.CreateAttachment(att); err != nil {
			log.Printf("job %s: failed to record screenshot %s: %v", job.ID, p, err)
		}
	}
}

// findScreenshots walks the artifact directories, skipping symlinks,
// capped at maxScreenshots.
func findScreenshots(worktree string) []string {
	var found []string
	for _, dir := range screenshotDirs {
		root := filepath.Join(worktree, dir)
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || len(found) >= maxScreenshots {
				return filepath.SkipAll
			}
			if info.Mode()&os.ModeSymlink != 0 {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.IsDir() && isScreenshot(info.Name()) {
				found = append(found, path)
			}
			return nil
		})
		if len(found) >= maxScreenshots {
			break
		}
	}
	return found
}
