/*
Package events provides an in-memory event broker for converge.

The reconciliation engine publishes a resource.added, resource.updated or
resource.deleted event for every committed change, and the orchestrator
publishes application.running, application.failed and application.stopped
after each cycle. The serve command subscribes and logs them.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		fmt.Println(event.Type, event.Metadata["application"])
	}

Publishers run under the engine write lock, so Publish never blocks: when
the broker queue or a subscriber buffer is full the event is dropped.
*/
package events
