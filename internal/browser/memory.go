package browser

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// MemoryProbe reports resident memory in bytes.
type MemoryProbe func(ctx context.Context) (uint64, error)

// ProcessTreeRSS sums the RSS of this process and all of its descendants,
// which covers the Playwright driver and the Chromium processes it spawns.
func ProcessTreeRSS(ctx context.Context) (uint64, error) {
	self, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	return treeRSS(ctx, self, 0)
}

func treeRSS(ctx context.Context, p *process.Process, depth int) (uint64, error) {
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	total := info.RSS
	if depth > 8 {
		return total, nil
	}
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		// No children is reported as an error on some platforms.
		return total, nil
	}
	for _, c := range children {
		rss, err := treeRSS(ctx, c, depth+1)
		if err != nil {
			continue
		}
		total += rss
	}
	return total, nil
}
