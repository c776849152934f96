package mute

import (
	"fmt"
	"html"
	"math/rand"
	"strconv"
	"time"
)

// Mention renders a Telegram HTML mention. An empty name falls back to the
// numeric id.
func Mention(userID int64, name string) string {
	if name == "" {
		name = strconv.FormatInt(userID, 10)
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, html.EscapeString(name))
}

type quoteFunc func(who string, d time.Duration, until time.Time) string

var quotes = []quoteFunc{
	func(who string, d time.Duration, _ time.Time) string {
		return fmt.Sprintf("Uh oh. %s said a bad word. Enjoy the next %s of silence.", who, humanDuration(d))
	},
	func(who string, d time.Duration, _ time.Time) string {
		return fmt.Sprintf("NO WAY they just said that. %s for %s!", humanDuration(d), who)
	},
	func(who string, _ time.Duration, until time.Time) string {
		return fmt.Sprintf("Reformed? More like relapsed. See you at %s, %s. Use the time to reflect.", until.UTC().Format("15:04 MST"), who)
	},
	func(who string, _ time.Duration, until time.Time) string {
		return fmt.Sprintf("%s, that's wild. Back at %s.", who, until.UTC().Format("15:04 MST"))
	},
	func(who string, d time.Duration, _ time.Time) string {
		return fmt.Sprintf("That was uncalled for, %s. Talk to you in %s.", who, humanDuration(d))
	},
}

// Quote picks a random announcement for a fresh mute.
func Quote(rng *rand.Rand, who string, d time.Duration, until time.Time) string {
	if len(quotes) == 0 {
		return fmt.Sprintf("WHAT DID %s SAY?!", who)
	}
	var i int
	if rng != nil {
		i = rng.Intn(len(quotes))
	} else {
		i = rand.Intn(len(quotes))
	}
	return quotes[i](who, d, until)
}

// Dodged is the reply when the platform refused to restrict the user.
func Dodged(who string) string {
	return who + " dodged the bullet this time..."
}

func humanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d%time.Hour == 0 && d >= time.Hour:
		return pluralize(int(d/time.Hour), "hour")
	case d%time.Minute == 0 && d >= time.Minute:
		return pluralize(int(d/time.Minute), "minute")
	default:
		return d.String()
	}
}

func pluralize(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
