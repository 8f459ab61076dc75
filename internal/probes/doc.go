// Package probes manages scheduled probe definitions on behalf of users and
// keeps the scheduler's triggers in step with what is stored.
package probes
