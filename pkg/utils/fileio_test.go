//
// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
//

package utils

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("OSFileIO", func() {

	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "fileio")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("creates nested paths and reports their existence", func() {
		path := filepath.Join(dir, "a", "b", "c")
		Expect(Fio.Exists(path)).To(BeFalse())
		Expect(Fio.CreatePath(path)).To(Succeed())
		Expect(Fio.Exists(path)).To(BeTrue())
		Expect(Fio.Delete(path)).To(Succeed())
		Expect(Fio.Exists(path)).To(BeFalse())
	})

	It("appends across separate opens", func() {
		path := filepath.Join(dir, "log.txt")
		for _, line := range []string{"first\n", "second\n"} {
			f, err := Fio.OpenAppend(path)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.WriteString(line)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Close()).To(Succeed())
		}
		data, err := ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("first\nsecond\n"))
	})

	It("truncates on OpenWriteOrCreate", func() {
		path := filepath.Join(dir, "doc.txt")
		f, err := Fio.OpenWriteOrCreate(path)
		Expect(err).NotTo(HaveOccurred())
		f.WriteString("something long")
		Expect(f.Close()).To(Succeed())

		f, err = Fio.OpenWriteOrCreate(path)
		Expect(err).NotTo(HaveOccurred())
		f.WriteString("short")
		Expect(f.Close()).To(Succeed())

		data, err := ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("short"))
	})

	It("reads a line without its terminator", func() {
		path := filepath.Join(dir, "lines.txt")
		f, err := Fio.OpenWriteOrCreate(path)
		Expect(err).NotTo(HaveOccurred())
		f.WriteString("hello\nworld\n")
		Expect(f.Close()).To(Succeed())

		r, err := Fio.OpenRead(path)
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()
		line, err := Fio.ReadLine(r)
		Expect(err).NotTo(HaveOccurred())
		Expect(line).To(Equal("hello"))
	})

	It("takes and releases an exclusive advisory lock", func() {
		path := filepath.Join(dir, "locked.json")
		f, err := Fio.OpenAppend(path)
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()
		Expect(Fio.LockExclusive(f)).To(Succeed())
		Expect(Fio.Unlock(f)).To(Succeed())
	})
})
