/*
Package events distributes repository observation events. A Listener
registered on the shared item-state manager enqueues an Event per committed
or replayed state change; the Broker fans events out to subscriber channels,
dropping on slow consumers rather than blocking the commit path.
*/
package events
