// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package rollback

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func record(frame int) *FrameRecord {
	return &FrameRecord{Frame: frame}
}

var _ = Describe("Recorder", func() {

	var rec *Recorder

	BeforeEach(func() {
		rec = NewRecorder()
	})

	Context("promotion", func() {
		It("promotes speculative rows in frame order", func() {
			rec.RecordSpeculative(record(0))
			rec.RecordSpeculative(record(1))
			Expect(rec.Promote(0)).To(Succeed())
			Expect(rec.Promote(1)).To(Succeed())
			Expect(rec.ConfirmedCount()).To(Equal(2))
			Expect(rec.SpeculativeCount()).To(Equal(0))
		})

		It("rejects out-of-order promotion", func() {
			rec.RecordSpeculative(record(0))
			rec.RecordSpeculative(record(1))
			Expect(rec.Promote(1)).NotTo(Succeed())
		})

		It("rejects promotion of an unknown frame", func() {
			Expect(rec.Promote(0)).NotTo(Succeed())
		})

		It("keeps speculative overwrites out of the confirmed buffer", func() {
			rec.RecordSpeculative(&FrameRecord{Frame: 0, WasSpeculative: false})
			replay := record(0)
			rec.RecordSpeculative(replay)
			Expect(rec.Promote(0)).To(Succeed())
			Expect(rec.ConfirmedRows()[0]).To(BeIdenticalTo(replay))
		})
	})

	Context("force promotion at the episode boundary", func() {
		It("promotes remaining rows below the boundary and tags them", func() {
			rec.RecordSpeculative(record(0))
			Expect(rec.Promote(0)).To(Succeed())
			rec.RecordSpeculative(record(1))
			rec.RecordSpeculative(record(2))
			rec.RecordSpeculative(record(3))

			promoted := rec.ForcePromoteBelow(3)
			Expect(promoted).To(Equal([]int{1, 2}))
			Expect(rec.ConfirmedCount()).To(Equal(3))
			rows := rec.ConfirmedRows()
			Expect(rows[0].WasSpeculative).To(BeFalse())
			Expect(rows[1].WasSpeculative).To(BeTrue())
			Expect(rows[2].WasSpeculative).To(BeTrue())
			Expect(rec.SpeculativeCount()).To(Equal(1))
		})

		It("stops at a gap instead of promoting out of order", func() {
			rec.RecordSpeculative(record(0))
			rec.RecordSpeculative(record(2))
			promoted := rec.ForcePromoteBelow(5)
			Expect(promoted).To(Equal([]int{0}))
			Expect(rec.ConfirmedCount()).To(Equal(1))
		})
	})

	Context("trimming", func() {
		It("drops rows at or past the boundary from both buffers", func() {
			for f := 0; f < 5; f++ {
				rec.RecordSpeculative(record(f))
				Expect(rec.Promote(f)).To(Succeed())
			}
			rec.RecordSpeculative(record(5))
			rec.RecordSpeculative(record(6))

			rec.TrimAtOrAfter(3)
			Expect(rec.ConfirmedCount()).To(Equal(3))
			Expect(rec.ConfirmedRows()[2].Frame).To(Equal(2))
			Expect(rec.SpeculativeCount()).To(Equal(0))
		})
	})

	It("resets both buffers between episodes", func() {
		rec.RecordSpeculative(record(0))
		Expect(rec.Promote(0)).To(Succeed())
		rec.RecordSpeculative(record(1))
		rec.Reset()
		Expect(rec.ConfirmedCount()).To(Equal(0))
		Expect(rec.SpeculativeCount()).To(Equal(0))
	})
})
