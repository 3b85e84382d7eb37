package processor_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"errorwatch.app/pipeline/internal/model"
	"errorwatch.app/pipeline/internal/processor"
)

var _ = Describe("Fingerprinting", func() {
	DescribeTable("ErrorType",
		func(message, expected string) {
			Expect(processor.ErrorType(message)).To(Equal(expected))
		},
		Entry("type error", "TypeError: x is undefined", "TypeError"),
		Entry("custom error", "ValidationError: bad input", "ValidationError"),
		Entry("no prefix", "something broke", "Error"),
		Entry("lowercase", "typeError: nope", "Error"),
	)

	It("parses V8 and Firefox frames", func() {
		stack := "TypeError: boom\n" +
			"    at render (app.js:42:7)\n" +
			"    at app.js:10:1\n" +
			"handleClick@app.js:5:3\n" +
			"not a frame"

		Expect(processor.StackFrames(stack)).To(Equal([]string{
			"render:42:7",
			"anonymous:10:1",
			"handleClick:5:3",
		}))
	})

	It("keeps at most five frames", func() {
		stack := ""
		for i := 0; i < 8; i++ {
			stack += "    at fn (app.js:1:1)\n"
		}
		Expect(processor.StackFrames(stack)).To(HaveLen(5))
	})

	base := func() processor.FingerprintInput {
		return processor.FingerprintInput{
			ProjectID: "proj-1",
			Message:   "TypeError: boom",
			File:      "app.js",
			Line:      42,
			Stack:     "    at render (app.js:42:7)",
		}
	}

	It("ignores query strings and hashes in the file", func() {
		withQuery := base()
		withQuery.File = "app.js?v=123#frag"
		Expect(processor.DefaultFingerprint(withQuery)).To(Equal(processor.DefaultFingerprint(base())))
	})

	It("distinguishes projects, lines and columns", func() {
		fp := processor.DefaultFingerprint(base())

		other := base()
		other.ProjectID = "proj-2"
		Expect(processor.DefaultFingerprint(other)).NotTo(Equal(fp))

		other = base()
		other.Line = 43
		Expect(processor.DefaultFingerprint(other)).NotTo(Equal(fp))

		other = base()
		other.Column = ptr(7)
		Expect(processor.DefaultFingerprint(other)).NotTo(Equal(fp))
	})

	It("ignores message text beyond the error type", func() {
		other := base()
		other.Message = "TypeError: a different message"
		Expect(processor.DefaultFingerprint(other)).To(Equal(processor.DefaultFingerprint(base())))
	})

	It("applies custom rules by priority and skips invalid patterns", func() {
		rules := []model.FingerprintRule{
			{Pattern: "boom", GroupKey: "low", Priority: 1},
			{Pattern: "(unclosed", GroupKey: "invalid", Priority: 99},
			{Pattern: "TypeError", GroupKey: "high", Priority: 50},
		}
		high := processor.Fingerprint(processor.FingerprintInput{ProjectID: "proj-1", Message: "TypeError: boom"}, rules)
		low := processor.Fingerprint(processor.FingerprintInput{ProjectID: "proj-1", Message: "boom"}, rules)

		Expect(high).NotTo(Equal(low))
		Expect(processor.Fingerprint(processor.FingerprintInput{ProjectID: "proj-1", Message: "TypeError: other"}, rules)).To(Equal(high))
	})

	It("falls back to the default fingerprint when no rule matches", func() {
		rules := []model.FingerprintRule{{Pattern: "^Network", GroupKey: "net", Priority: 1}}
		Expect(processor.Fingerprint(base(), rules)).To(Equal(processor.DefaultFingerprint(base())))
	})
})

var _ = Describe("ScrubPII", func() {
	DescribeTable("masks sensitive values",
		func(in, expected string) {
			Expect(processor.ScrubPII(in)).To(Equal(expected))
		},
		Entry("email", "user jane.doe+x@example.co.uk failed", "user [email] failed"),
		Entry("ipv4", "from 192.168.1.20", "from [ip]"),
		Entry("card", "card 4111 1111 1111 1111 declined", "card [card] declined"),
		Entry("password", `{"password": "hunter2"}`, `{"password":"[filtered]"}`),
		Entry("api key", `api_key='abc'`, `"[filtered_key]":"[filtered]"`),
		Entry("authorization", `Authorization: "xyz"`, `"[filtered_key]":"[filtered]"`),
		Entry("bearer", "header Bearer eyJhbGciOi.payload.sig", "header Bearer [filtered]"),
		Entry("clean text", "TypeError: x is undefined", "TypeError: x is undefined"),
	)
})

var _ = Describe("ParseUserAgent", func() {
	DescribeTable("classifies clients",
		func(ua string, device model.DeviceType, browser, os string) {
			d := processor.ParseUserAgent(ua)
			Expect(d.Type).To(Equal(device))
			Expect(d.Browser).To(Equal(browser))
			Expect(d.OS).To(Equal(os))
		},
		Entry("empty", "", model.DeviceDesktop, "Unknown", "Unknown"),
		Entry("chrome on windows",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			model.DeviceDesktop, "Chrome", "Windows"),
		Entry("edge on windows",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/70.0.3538.102 Safari/537.36 Edge/18.18362",
			model.DeviceDesktop, "Edge", "Windows"),
		Entry("opera mentioning chrome",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 OPR/106.0.0.0",
			model.DeviceDesktop, "Opera", "Windows"),
		Entry("safari on mac",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			model.DeviceDesktop, "Safari", "macOS"),
		Entry("firefox on linux",
			"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			model.DeviceDesktop, "Firefox", "Linux"),
		Entry("safari on iphone",
			"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			model.DeviceMobile, "Safari", "iOS"),
		Entry("ipad",
			"Mozilla/5.0 (iPad; CPU OS 17_0) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/604.1",
			model.DeviceTablet, "Safari", "iOS"),
		Entry("chrome on android",
			"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36",
			model.DeviceMobile, "Chrome", "Android"),
	)
})
