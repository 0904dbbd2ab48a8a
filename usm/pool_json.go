package usm

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BuildStateJson writes a diagnostic snapshot of the pool into the provided JSON writer:
// tier thresholds, every block with its address pair and bookkeeping, and every live
// suballocation.
func (p *Pool) BuildStateJson(writer *jwriter.Writer) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("PhysicalMemoryLimit").Int(p.memoryLimit)
	objState.Name("MaxSmallAlloc").Int(p.tiers.maxSmallAlloc)
	objState.Name("MinLargeAlloc").Int(p.tiers.minLargeAlloc)
	objState.Name("SmallHeapSize").Int(p.tiers.smallHeapSize)
	objState.Name("LargeHeapSize").Int(p.tiers.largeHeapSize)
	objState.Name("ReservationSize").Int(p.reservation.size)

	arrayState := objState.Name("Blocks").Array()
	defer arrayState.End()

	for _, block := range p.blocksByAddress {
		blockObj := arrayState.Object()

		blockObj.Name("GpuBase").String(fmt.Sprintf("%#x", block.gpuBase))
		blockObj.Name("CpuBase").String(fmt.Sprintf("%#x", block.cpuBase))
		blockObj.Name("HeapBase").String(fmt.Sprintf("%#x", block.heapVA))
		blockObj.Name("Capacity").Int(block.capacity)
		blockObj.Name("UsedSize").Int(block.usedSize)
		blockObj.Name("AvailableSize").Int(block.availableSize)
		blockObj.Name("Tier").String(p.tiers.tierOf(block.capacity).String())

		suballocArray := blockObj.Name("Suballocations").Array()
		for _, entry := range block.suballocations {
			suballocObj := suballocArray.Object()
			suballocObj.Name("Offset").Int(entry.offset)
			suballocObj.Name("Size").Int(entry.size)
			suballocObj.End()
		}
		suballocArray.End()

		blockObj.End()
	}
}
