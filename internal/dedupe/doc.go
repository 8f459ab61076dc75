// Package dedupe remembers recently settled job ids so that results arriving
// after a job left the pending table can be classified as late, repeated or
// unknown before they are discarded.
package dedupe
