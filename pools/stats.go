package pools

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpupools/memutils"
	"github.com/vkngwrapper/gpupools/memutils/gpuptr"
	"github.com/vkngwrapper/gpupools/memutils/metadata"
)

const (
	regionTypeFree = "FREE"
	regionTypeUsed = "USED"
)

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

func printBlock(json *jwriter.ObjectState, block *MemoryBlock, md metadata.BlockMetadata) {
	json.Name("MemoryTypeIndex").Int(block.MemoryTypeIndex())
	json.Name("Properties").String(block.Properties().String())
	md.BlockJsonData(json)

	regions := json.Name("Suballocations").Array()
	defer regions.End()

	_ = md.VisitAllRegions(func(pointer gpuptr.Pointer, size int, free bool) error {
		obj := regions.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(pointer.Offset()))
		if free {
			obj.Name("Type").String(regionTypeFree)
		} else {
			obj.Name("Type").String(regionTypeUsed)
		}
		obj.Name("Size").Int(size)

		return nil
	})
}

func buildStatsString(stats *memutils.DetailedStatistics, size, capacity int, detailedMap bool, printBlocks func(blocks *jwriter.ArrayState)) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	total := obj.Name("Total").Object()
	printStatistics(&total, stats)
	total.End()

	obj.Name("Size").Int(size)
	obj.Name("Capacity").Int(capacity)

	if detailedMap {
		blocks := obj.Name("Blocks").Array()
		printBlocks(&blocks)
		blocks.End()
	}

	obj.End()
	return string(writer.Bytes())
}
