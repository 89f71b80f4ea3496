// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package main

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/interactive-gym/session-engine/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("SetDefaults", func() {

	It("fills unset properties with their defaults", func() {
		conf := &ServerTypedConfig{}
		SetDefaults(conf)
		Expect(conf.Port).To(Equal(DefaultPort))
		Expect(conf.BusSize).To(Equal(DefaultBusSize))
		Expect(conf.ExportDir).To(Equal(DefaultExportDir))
		Expect(conf.InputMode).To(Equal(InputModePressedKeys))
		Expect(conf.WaitroomTimeout).To(Equal(DefaultWaitroomTimeout))
		Expect(conf.ReconnectGrace).To(Equal(DefaultReconnectGrace))
		Expect(conf.Multiplayer.Mode).To(Equal(ModeP2P))
		Expect(conf.Multiplayer.InputConfirmationTimeout).To(Equal(2 * time.Second))
		Expect(conf.Multiplayer.ReconnectionTimeout).To(Equal(5 * time.Second))
		Expect(conf.Multiplayer.NumEpisodes).To(Equal(1))
	})

	It("keeps configured values untouched", func() {
		conf := &ServerTypedConfig{
			Port:        "9090",
			Multiplayer: MultiplayerTypedConfig{ReconnectionTimeout: 8 * time.Second},
		}
		SetDefaults(conf)
		Expect(conf.Port).To(Equal("9090"))
		Expect(conf.Multiplayer.ReconnectionTimeout).To(Equal(8 * time.Second))
	})
})

var _ = Describe("ParseConfig", func() {

	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "sessiond-config")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	write := func(content string) string {
		path := filepath.Join(dir, "config.json")
		Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
		return path
	}

	It("parses durations and multiplayer settings", func() {
		path := write(`{
			"port": "9090",
			"waitroomTimeout": "90s",
			"sceneSequence": [
				{"id": "intro", "kind": "static"},
				{"id": "arena", "kind": "gym", "numHumans": 2, "maxSteps": 450, "frameRateHz": 30}
			],
			"multiplayer": {"mode": "p2p", "reconnectionTimeoutMs": 4000}
		}`)
		conf, err := ParseConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(conf.Port).To(Equal("9090"))
		Expect(conf.WaitroomTimeout).To(Equal(90 * time.Second))
		Expect(conf.Multiplayer.ReconnectionTimeout).To(Equal(4 * time.Second))
		Expect(conf.Multiplayer.FocusLossTimeout).To(Equal(30 * time.Second))
	})

	It("rejects an invalid port", func() {
		path := write(`{"port": "no-port", "sceneSequence": [{"id": "intro", "kind": "static"}]}`)
		_, err := ParseConfig(path)
		Expect(err).To(HaveOccurred())
	})

	It("rejects an unknown multiplayer mode", func() {
		path := write(`{
			"sceneSequence": [{"id": "intro", "kind": "static"}],
			"multiplayer": {"mode": "telepathy"}
		}`)
		_, err := ParseConfig(path)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a missing scene sequence", func() {
		path := write(`{"port": "9090"}`)
		_, err := ParseConfig(path)
		Expect(err).To(HaveOccurred())
	})
})
