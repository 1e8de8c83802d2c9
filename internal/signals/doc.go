// Package signals implements per-partition 32-bit signal registers.
//
// Each partition owns one register. Bits are asserted by the dispatcher
// (service signals), by peers (the doorbell), and by the interrupt manager
// (interrupt signals). A partition observes its register through Wait,
// which reports the asserted subset of a mask without consuming any bits;
// clearing is always an explicit, per-subsystem act.
//
// Blocking waits park on a condition variable and wake whenever any bit of
// the requested mask is asserted.
package signals
