package intent

// exemplarUtterances defines each label by example rather than by rule.
// Mixed English and German to match the deployment's user base; exemplars in
// other languages still land nearby in the embedding space.
var exemplarUtterances = map[Label][]string{
	LabelGreeting: {
		"hello",
		"hi there",
		"hey",
		"good morning",
		"good evening",
		"hello, how are you?",
		"hi, nice to meet you",
		"hey lumora",
		"hallo",
		"guten morgen",
		"guten tag",
		"servus",
		"moin",
		"hi, are you there?",
		"hello again",
	},
	LabelGeneralQuestion: {
		"what can you do?",
		"how does this app work?",
		"can you help me study?",
		"what is the capital of France?",
		"explain photosynthesis to me",
		"why is the sky blue?",
		"tell me a fun fact",
		"how do I improve my memory?",
		"what time is it?",
		"can you summarize this for me?",
		"was kannst du alles?",
		"wie funktioniert diese app?",
		"erklär mir bitte photosynthese",
		"warum ist der himmel blau?",
		"hilf mir beim lernen",
	},
	LabelCourseQuery: {
		"what is covered in week 2 of my course?",
		"explain the topic from module 3",
		"what are the learning objectives of this module?",
		"summarize the current lesson",
		"what does the course say about supply and demand?",
		"go over the material from last week again",
		"which topics are in the final module?",
		"what is the next topic in my course?",
		"quiz me on module 1",
		"show me the curriculum",
		"according to the course material, how does this work?",
		"was steht in woche 2 meines kurses?",
		"erklär mir das thema aus modul 3",
		"was sind die lernziele dieses moduls?",
		"fass die aktuelle lektion zusammen",
		"frag mich etwas zu modul 1 ab",
	},
}
