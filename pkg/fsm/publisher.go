// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package fsm

import (
	mb "github.com/vardius/message-bus"
)

// NewPublisher returns a new publisher.
func NewPublisher(bus mb.MessageBus) *Publisher {
	return &Publisher{
		Fsm: &FSM{},
		Bus: bus,
	}
}

// Publisher sends FSM events to the message bus.
type Publisher struct {
	Fsm *FSM
	Bus mb.MessageBus
}

// Publish sends an FSM event to a given topic of the message bus.
// Not every call to Publish will have an srcTopic, thus make it of variable size.
func (p *Publisher) Publish(name, targetTopic string, srcTopics ...string) {
	event := Event{
		Name: name,
		Meta: &Metadata{
			FSM:         p.Fsm,
			TargetTopic: targetTopic,
			SrcTopics:   srcTopics,
		},
	}
	p.Bus.Publish(targetTopic, &event)
}

// PublishWithBody wraps an arbitrary payload into an FSM event and publishes
// it to the message bus.
func (p *Publisher) PublishWithBody(name, targetTopic string, body interface{}, srcTopics ...string) {
	event := Event{
		Name: name,
		Meta: &Metadata{
			FSM:         p.Fsm,
			TargetTopic: targetTopic,
			SrcTopics:   srcTopics,
			Body:        body,
		},
	}
	p.Bus.Publish(targetTopic, &event)
}
