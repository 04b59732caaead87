package main

import (
	"voxelkeep.ai/internal/world/level"
	"voxelkeep.ai/internal/world/regioncache"
)

// fanout forwards flush notifications to every configured sink. Sinks
// queue internally, so calls stay cheap on the save path.
type fanout struct {
	writes      []regioncache.WriteObserver
	checkpoints []level.CheckpointObserver
}

type sink interface {
	regioncache.WriteObserver
	level.CheckpointObserver
}

func (f *fanout) add(s sink) {
	f.writes = append(f.writes, s)
	f.checkpoints = append(f.checkpoints, s)
}

func (f *fanout) RegionWritten(ev regioncache.WriteEvent) {
	for _, o := range f.writes {
		o.RegionWritten(ev)
	}
}

func (f *fanout) CheckpointSaved(cp level.Checkpoint) {
	for _, o := range f.checkpoints {
		o.CheckpointSaved(cp)
	}
}
