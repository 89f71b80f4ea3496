// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package matchmaker

import (
	. "github.com/interactive-gym/session-engine/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func waiting(subject string) *Candidate {
	return &Candidate{Subject: SubjectID(subject), SceneID: "arena"}
}

var _ = Describe("Pool", func() {

	var pool *Pool

	BeforeEach(func() {
		pool = NewPool()
	})

	It("keeps arrival order", func() {
		Expect(pool.Add(waiting("s1"))).To(BeTrue())
		Expect(pool.Add(waiting("s2"))).To(BeTrue())
		Expect(pool.Add(waiting("s3"))).To(BeTrue())

		inOrder := pool.InOrder()
		Expect(inOrder).To(HaveLen(3))
		Expect(inOrder[0].Subject).To(Equal(SubjectID("s1")))
		Expect(inOrder[2].Subject).To(Equal(SubjectID("s3")))
	})

	It("treats re-insertion as a no-op that keeps the position", func() {
		pool.Add(waiting("s1"))
		pool.Add(waiting("s2"))
		Expect(pool.Add(waiting("s1"))).To(BeFalse())

		Expect(pool.Len()).To(Equal(2))
		Expect(pool.InOrder()[0].Subject).To(Equal(SubjectID("s1")))
	})

	It("removes subjects from order and membership", func() {
		pool.Add(waiting("s1"))
		pool.Add(waiting("s2"))
		pool.Remove("s1")
		Expect(pool.Len()).To(Equal(1))
		Expect(pool.Get("s1")).To(BeNil())
		Expect(pool.InOrder()[0].Subject).To(Equal(SubjectID("s2")))
	})

	It("lists the oldest candidates excluding the newcomer", func() {
		for _, s := range []string{"s1", "s2", "s3", "s4", "s5"} {
			pool.Add(waiting(s))
		}
		oldest := pool.Oldest(3, "s2")
		Expect(oldest).To(HaveLen(3))
		Expect(oldest[0].Subject).To(Equal(SubjectID("s1")))
		Expect(oldest[1].Subject).To(Equal(SubjectID("s3")))
		Expect(oldest[2].Subject).To(Equal(SubjectID("s4")))
	})

	It("updates RTT estimates of waiting members only", func() {
		pool.Add(waiting("s1"))
		rtt := 80.0
		pool.SetRTT("s1", &rtt)
		pool.SetRTT("ghost", &rtt)
		Expect(pool.Get("s1").RTTMs).To(Equal(&rtt))
	})
})
